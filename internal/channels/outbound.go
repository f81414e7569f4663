package channels

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cowork-oss/cowork-gateway/pkg/models"
)

// MaxAttachmentSize caps attachment content read from disk or downloaded.
const MaxAttachmentSize = 50 * 1024 * 1024

const attachmentTimeout = 30 * time.Second

// ChunkSender delivers one chunk. last is true for the final chunk, which is
// where buttons belong.
type ChunkSender func(ctx context.Context, chunk string, last bool) (string, error)

// DeliverText splits text with chunker and sends the chunks in order. It
// returns the platform ID of the first chunk. A failed chunk aborts the rest.
func DeliverText(ctx context.Context, chunker *Chunker, text string, send ChunkSender) (string, error) {
	chunks := chunker.Split(text)
	var firstID string
	for i, chunk := range chunks {
		id, err := send(ctx, chunk, i == len(chunks)-1)
		if err != nil {
			return firstID, err
		}
		if i == 0 {
			firstID = id
		}
	}
	return firstID, nil
}

// LoadAttachment returns the content of att from Data, Path or URL, in that
// order, and fills in the filename and MIME type when missing.
func LoadAttachment(ctx context.Context, att *models.Attachment) ([]byte, error) {
	switch {
	case len(att.Data) > 0:
	case att.Path != "":
		path := ExpandPath(att.Path)
		info, err := os.Stat(path)
		if err != nil {
			return nil, ErrInvalidInput("attachment not readable", err)
		}
		if info.Size() > MaxAttachmentSize {
			return nil, ErrInvalidInput(fmt.Sprintf("attachment %s exceeds %d bytes", filepath.Base(path), MaxAttachmentSize), nil)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, ErrInvalidInput("attachment not readable", err)
		}
		att.Data = data
	case att.URL != "":
		data, err := download(ctx, att.URL)
		if err != nil {
			return nil, err
		}
		att.Data = data
		if att.Filename == "" {
			att.Filename = filepath.Base(strings.SplitN(att.URL, "?", 2)[0])
		}
	default:
		return nil, ErrInvalidInput("attachment has no content", nil)
	}
	att.DetectMimeType()
	if att.Filename == "" {
		att.Filename = "attachment"
	}
	return att.Data, nil
}

func download(ctx context.Context, url string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, attachmentTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, ErrInvalidInput("invalid attachment url", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, ErrConnection("download attachment", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, ErrNotFound(fmt.Sprintf("download attachment: unexpected status %d", resp.StatusCode), nil)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxAttachmentSize+1))
	if err != nil {
		return nil, ErrConnection("read attachment", err)
	}
	if len(data) > MaxAttachmentSize {
		return nil, ErrInvalidInput(fmt.Sprintf("attachment exceeds %d bytes", MaxAttachmentSize), nil)
	}
	return data, nil
}

// ExpandPath expands a leading ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}

// ButtonSummary renders button rows as text lines for platforms without
// interactive controls.
func ButtonSummary(rows [][]models.Button) string {
	var lines []string
	for _, row := range rows {
		for _, b := range row {
			switch {
			case b.URL != "":
				lines = append(lines, b.Text+": "+b.URL)
			case b.Data != "":
				lines = append(lines, b.Text+": reply "+ButtonReply(b.Data))
			}
		}
	}
	return strings.Join(lines, "\n")
}

// ButtonReply is the text a user can type to trigger a button's payload.
// Payloads of the form "verb:arg" become "/verb arg".
func ButtonReply(data string) string {
	if verb, arg, ok := strings.Cut(data, ":"); ok && verb != "" && !strings.Contains(verb, " ") {
		return "/" + verb + " " + arg
	}
	return data
}
