package agent

// geminiBaseURL is Google's OpenAI-compatible endpoint for Gemini models.
const geminiBaseURL = "https://generativelanguage.googleapis.com/v1beta/openai/"

// NewGeminiProvider creates a Gemini provider. Gemini speaks the chat
// completions protocol through its compatibility endpoint, so the adapter
// reuses the OpenAI client with a different base URL.
func NewGeminiProvider(apiKey string) *OpenAIProvider {
	return newCompatProvider("gemini", apiKey, geminiBaseURL)
}
