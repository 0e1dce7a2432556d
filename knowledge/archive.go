package knowledge

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"path"
	"path/filepath"
	"sort"
	"strings"

	rardecode "github.com/nwaples/rardecode/v2"
)

const (
	uploadFormatText = "txt"
	uploadFormatZip  = "zip"
	uploadFormatRar  = "rar"
)

var (
	// ErrUnsupportedUpload is returned for file types the store cannot ingest.
	ErrUnsupportedUpload = errors.New("knowledge: only .txt, .zip and .rar uploads are accepted")
	// ErrEmptyArchive is returned when an archive contains no text entries.
	ErrEmptyArchive = errors.New("knowledge: archive contains no .txt entries")
)

// readUpload extracts knowledge text from an uploaded file. Plain .txt files
// are read as-is; .zip and .rar archives have their .txt entries concatenated
// in name order. The cap guards both the raw upload and the extracted text.
func readUpload(fileHeader *multipart.FileHeader, maxBytes int64) (string, error) {
	if fileHeader == nil {
		return "", errors.New("knowledge: upload file not provided")
	}
	if fileHeader.Size > 0 && fileHeader.Size > maxBytes {
		return "", fmt.Errorf("%w (%d > %d bytes)", ErrTooLarge, fileHeader.Size, maxBytes)
	}

	src, err := fileHeader.Open()
	if err != nil {
		return "", fmt.Errorf("knowledge: open upload: %w", err)
	}
	defer src.Close()

	var buf bytes.Buffer
	written, err := io.Copy(&buf, io.LimitReader(src, maxBytes+1))
	if err != nil {
		return "", fmt.Errorf("knowledge: read upload: %w", err)
	}
	if written > maxBytes {
		return "", fmt.Errorf("%w (> %d bytes)", ErrTooLarge, maxBytes)
	}

	data := buf.Bytes()
	format, err := detectUploadFormat(data, fileHeader.Filename)
	if err != nil {
		return "", err
	}

	switch format {
	case uploadFormatText:
		return string(data), nil
	case uploadFormatZip:
		return extractZipText(data, maxBytes)
	case uploadFormatRar:
		return extractRarText(data, maxBytes)
	default:
		return "", ErrUnsupportedUpload
	}
}

func detectUploadFormat(data []byte, originalName string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(filepath.Ext(originalName))) {
	case ".txt", ".text", ".md":
		return uploadFormatText, nil
	case ".zip":
		return uploadFormatZip, nil
	case ".rar":
		return uploadFormatRar, nil
	}

	if len(data) >= 2 && data[0] == 0x50 && data[1] == 0x4b {
		return uploadFormatZip, nil
	}
	if len(data) >= 6 && bytes.Equal(data[:6], []byte{0x52, 0x61, 0x72, 0x21, 0x1a, 0x07}) {
		return uploadFormatRar, nil
	}

	return "", ErrUnsupportedUpload
}

func extractZipText(data []byte, maxBytes int64) (string, error) {
	reader, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("knowledge: parse zip archive: %w", err)
	}

	type entry struct {
		name string
		file *zip.File
	}
	var entries []entry
	for _, file := range reader.File {
		name, err := sanitizeArchiveEntry(file.Name)
		if err != nil {
			return "", err
		}
		if name == "" || file.FileInfo().IsDir() || !isTextEntry(name) {
			continue
		}
		entries = append(entries, entry{name: name, file: file})
	}
	if len(entries) == 0 {
		return "", ErrEmptyArchive
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].name < entries[j].name })

	var builder strings.Builder
	for _, e := range entries {
		rc, err := e.file.Open()
		if err != nil {
			return "", fmt.Errorf("knowledge: open archive entry %s: %w", e.name, err)
		}
		part, err := io.ReadAll(io.LimitReader(rc, maxBytes+1))
		rc.Close()
		if err != nil {
			return "", fmt.Errorf("knowledge: read archive entry %s: %w", e.name, err)
		}
		if err := appendTextPart(&builder, part, maxBytes); err != nil {
			return "", err
		}
	}
	return builder.String(), nil
}

func extractRarText(data []byte, maxBytes int64) (string, error) {
	rr, err := rardecode.NewReader(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("knowledge: parse rar archive: %w", err)
	}

	type entry struct {
		name string
		text []byte
	}
	var entries []entry
	for {
		header, err := rr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("knowledge: read rar entry: %w", err)
		}

		name, err := sanitizeArchiveEntry(header.Name)
		if err != nil {
			return "", err
		}
		if name == "" || header.IsDir || !isTextEntry(name) {
			if !header.IsDir {
				if _, err := io.Copy(io.Discard, rr); err != nil {
					return "", fmt.Errorf("knowledge: discard rar entry: %w", err)
				}
			}
			continue
		}

		part, err := io.ReadAll(io.LimitReader(rr, maxBytes+1))
		if err != nil {
			return "", fmt.Errorf("knowledge: read rar entry %s: %w", name, err)
		}
		entries = append(entries, entry{name: name, text: part})
	}
	if len(entries) == 0 {
		return "", ErrEmptyArchive
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].name < entries[j].name })

	var builder strings.Builder
	for _, e := range entries {
		if err := appendTextPart(&builder, e.text, maxBytes); err != nil {
			return "", err
		}
	}
	return builder.String(), nil
}

func appendTextPart(builder *strings.Builder, part []byte, maxBytes int64) error {
	if builder.Len() > 0 {
		builder.WriteString("\n\n")
	}
	builder.Write(bytes.TrimSpace(part))
	if int64(builder.Len()) > maxBytes {
		return fmt.Errorf("%w (archive text > %d bytes)", ErrTooLarge, maxBytes)
	}
	return nil
}

func isTextEntry(name string) bool {
	lower := strings.ToLower(name)
	return strings.HasSuffix(lower, ".txt") || strings.HasSuffix(lower, ".md")
}

func sanitizeArchiveEntry(name string) (string, error) {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return "", nil
	}

	normalized := strings.ReplaceAll(trimmed, "\\", "/")
	normalized = path.Clean(normalized)
	normalized = strings.TrimPrefix(normalized, "./")
	if normalized == "." || normalized == "" {
		return "", nil
	}
	if strings.HasPrefix(normalized, "../") {
		return "", fmt.Errorf("knowledge: archive entry %q uses parent traversal", name)
	}
	if strings.HasPrefix(strings.ToLower(normalized), "__macosx/") {
		return "", nil
	}
	return normalized, nil
}
