package telegram

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// maxMediaBytes caps a single attachment download.
const maxMediaBytes = 5 * 1024 * 1024

// attachment picks the media item of a message, if any. Photos arrive as a
// size ladder with the original last.
func attachment(msg *tgbotapi.Message) (fileID, kind, name string) {
	switch {
	case len(msg.Photo) > 0:
		return msg.Photo[len(msg.Photo)-1].FileID, "photo", ""
	case msg.Video != nil:
		return msg.Video.FileID, "video", ""
	case msg.Audio != nil:
		return msg.Audio.FileID, "audio", ""
	case msg.Document != nil:
		return msg.Document.FileID, "document", msg.Document.FileName
	case msg.Voice != nil:
		return msg.Voice.FileID, "voice", ""
	}
	return "", "", ""
}

// fetchAttachments downloads whatever media the message carries into the
// media directory. It returns the local paths plus note lines describing
// them for the conversation; a failed fetch becomes a note instead of an
// error so the message itself still goes through.
func (c *Channel) fetchAttachments(msg *tgbotapi.Message) (paths []string, notes []string) {
	fileID, kind, name := attachment(msg)
	if fileID == "" {
		return nil, nil
	}

	label := kind
	if name != "" {
		label = name
	}

	path, err := c.download(fileID)
	if err != nil {
		c.logger.Error().Err(err).
			Str("file_id", fileID).
			Str("kind", kind).
			Msg("Failed to fetch attachment")
		return nil, []string{fmt.Sprintf("[attachment %s could not be fetched]", label)}
	}

	return []string{path}, []string{fmt.Sprintf("[attachment %s saved to %s]", label, path)}
}

// download resolves the file through the Bot API and streams it into the
// media directory, named by its Telegram file id.
func (c *Channel) download(fileID string) (string, error) {
	file, err := c.api.GetFile(tgbotapi.FileConfig{FileID: fileID})
	if err != nil {
		return "", fmt.Errorf("failed to get file info: %w", err)
	}
	if file.FileSize > maxMediaBytes {
		return "", fmt.Errorf("file size %d exceeds maximum %d", file.FileSize, maxMediaBytes)
	}

	dir := c.cfg.MediaDir
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "nia-media")
	}
	dest := filepath.Join(dir, fileID+filepath.Ext(file.FilePath))

	if _, err := downloadTo(c.fileURL(file), dest, maxMediaBytes); err != nil {
		return "", err
	}
	return dest, nil
}

// downloadTo streams url into dest, refusing bodies over maxBytes. The
// destination directory is created as needed.
func downloadTo(url, dest string, maxBytes int64) (int64, error) {
	resp, err := http.Get(url)
	if err != nil {
		return 0, fmt.Errorf("failed to download file: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("download failed with status: %d", resp.StatusCode)
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return 0, fmt.Errorf("failed to create media directory: %w", err)
	}
	out, err := os.Create(dest)
	if err != nil {
		return 0, fmt.Errorf("failed to create file: %w", err)
	}

	written, copyErr := io.Copy(out, io.LimitReader(resp.Body, maxBytes+1))
	closeErr := out.Close()
	if copyErr != nil {
		os.Remove(dest)
		return 0, fmt.Errorf("failed to write file: %w", copyErr)
	}
	if closeErr != nil {
		os.Remove(dest)
		return 0, fmt.Errorf("failed to write file: %w", closeErr)
	}
	if written > maxBytes {
		os.Remove(dest)
		return 0, fmt.Errorf("file exceeds maximum size %d", maxBytes)
	}
	return written, nil
}

// upload sends a local file out as a photo or document, picked by
// extension.
func (c *Channel) upload(chatID int64, path string) error {
	var msg tgbotapi.Chattable
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg", ".png", ".gif", ".webp":
		msg = tgbotapi.NewPhoto(chatID, tgbotapi.FilePath(path))
	default:
		msg = tgbotapi.NewDocument(chatID, tgbotapi.FilePath(path))
	}
	if _, err := c.api.Send(msg); err != nil {
		return fmt.Errorf("failed to upload %s: %w", filepath.Base(path), err)
	}
	return nil
}
