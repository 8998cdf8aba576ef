package statement

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
)

// ErrUnreadableDocument is returned when no text can be recovered from an upload.
var ErrUnreadableDocument = errors.New("statement: unreadable document")

var pdfMagic = []byte("%PDF-")

// IsPDF sniffs the PDF header.
func IsPDF(data []byte) bool {
	return bytes.HasPrefix(bytes.TrimLeft(data, " \t\r\n"), pdfMagic)
}

// Text returns the statement text of an upload, extracting it from PDF when needed.
func Text(data []byte) (string, error) {
	if IsPDF(data) {
		return ExtractText(data)
	}
	if !utf8.Valid(data) {
		return "", fmt.Errorf("%w: not utf-8 text", ErrUnreadableDocument)
	}
	return string(data), nil
}

// ExtractText pulls text out of a PDF document, row by row per page, falling
// back to the reader's plain text stream.
func ExtractText(data []byte) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: pdf reader: %v", ErrUnreadableDocument, r)
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnreadableDocument, err)
	}
	if reader.NumPage() == 0 {
		return "", fmt.Errorf("%w: no pages", ErrUnreadableDocument)
	}

	if pages := extractRows(reader); strings.TrimSpace(pages) != "" {
		return pages, nil
	}

	plain, err := reader.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnreadableDocument, err)
	}
	var buf strings.Builder
	if _, err := io.Copy(&buf, plain); err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnreadableDocument, err)
	}
	if strings.TrimSpace(buf.String()) == "" {
		return "", fmt.Errorf("%w: no text layer", ErrUnreadableDocument)
	}
	return buf.String(), nil
}

func extractRows(reader *pdf.Reader) string {
	var lines []string
	for i := 1; i <= reader.NumPage(); i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		rows, err := page.GetTextByRow()
		if err != nil {
			continue
		}
		for _, row := range rows {
			parts := make([]string, 0, len(row.Content))
			for _, word := range row.Content {
				parts = append(parts, word.S)
			}
			if line := strings.TrimSpace(strings.Join(parts, " ")); line != "" {
				lines = append(lines, line)
			}
		}
	}
	return strings.Join(lines, "\n")
}
