package services

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"path/filepath"
	"regexp"
	"strings"

	pdf "github.com/ledongthuc/pdf"
)

// ExtractText sniffs the true file type from bytes, then extracts plain text.
// Supported natively: PDF, DOCX, PPTX, TXT/MD, HTML. Images and scanned PDFs
// have no native text; callers fall through to OCR or degraded generation.
func ExtractText(originalName string, mimeType string, data []byte) (string, error) {
	ext := strings.ToLower(filepath.Ext(originalName))
	mt := strings.ToLower(strings.TrimSpace(mimeType))

	if len(data) == 0 {
		return "", fmt.Errorf("empty file: name=%s mime=%s", originalName, mimeType)
	}

	// Magic bytes first; extensions and declared mime types lie.
	if isPDF(data) {
		return extractPDF(data)
	}
	if isZip(data) {
		kind, err := detectOpenXMLKind(data)
		if err != nil {
			return "", fmt.Errorf("zip/openxml detect failed: %w", err)
		}
		switch kind {
		case "docx":
			return extractOpenXML(data, func(name string) bool { return name == "word/document.xml" })
		case "pptx":
			return extractOpenXML(data, func(name string) bool {
				return strings.HasPrefix(name, "ppt/slides/") && strings.HasSuffix(name, ".xml")
			})
		default:
			return "", fmt.Errorf("unsupported zip/openxml kind=%s name=%s mime=%s", kind, originalName, mimeType)
		}
	}

	if looksLikeHTML(data) || mt == "text/html" || ext == ".html" || ext == ".htm" {
		return stripHTML(string(data)), nil
	}

	if isProbablyText(data) || mt == "text/plain" || ext == ".txt" || ext == ".md" || ext == ".markdown" {
		return CollapseWhitespace(string(data)), nil
	}

	if mt == "application/pdf" || ext == ".pdf" {
		return "", fmt.Errorf("file claims pdf but missing %%PDF header: name=%s head=%s", originalName, firstBytesHex(data, 16))
	}

	return "", fmt.Errorf("unsupported file type: name=%s ext=%s mime=%s head=%s", originalName, ext, mt, firstBytesHex(data, 16))
}

// IsImage reports whether the payload is an image we can hand to OCR or the
// vision model, by magic bytes with a mime fallback.
func IsImage(mimeType string, data []byte) bool {
	if len(data) >= 8 && bytes.HasPrefix(data, []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}) {
		return true
	}
	if len(data) >= 3 && data[0] == 0xFF && data[1] == 0xD8 && data[2] == 0xFF {
		return true
	}
	if len(data) >= 6 && (bytes.HasPrefix(data, []byte("GIF87a")) || bytes.HasPrefix(data, []byte("GIF89a"))) {
		return true
	}
	if len(data) >= 12 && bytes.Equal(data[0:4], []byte("RIFF")) && bytes.Equal(data[8:12], []byte("WEBP")) {
		return true
	}
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(mimeType)), "image/")
}

// ------------------------
// Sniff helpers
// ------------------------

func isPDF(b []byte) bool {
	return len(b) >= 5 && string(b[:5]) == "%PDF-"
}

func isZip(b []byte) bool {
	return len(b) >= 4 && b[0] == 'P' && b[1] == 'K' && b[2] == 3 && b[3] == 4
}

func looksLikeHTML(b []byte) bool {
	s := strings.ToLower(string(b[:minInt(len(b), 2048)]))
	trimmed := strings.TrimSpace(s)
	if strings.HasPrefix(trimmed, "<!doctype") || strings.HasPrefix(trimmed, "<html") {
		return true
	}
	return strings.Contains(s, "<html") && strings.Contains(s, "</html>")
}

func isProbablyText(b []byte) bool {
	sample := b[:minInt(len(b), 4096)]
	good := 0
	for _, c := range sample {
		if c == 0x00 {
			return false
		}
		if c == '\n' || c == '\r' || c == '\t' || (c >= 0x20 && c <= 0x7E) || c >= 0x80 {
			good++
		}
	}
	if len(sample) == 0 {
		return false
	}
	return float64(good)/float64(len(sample)) > 0.9
}

func firstBytesHex(b []byte, n int) string {
	n = minInt(len(b), n)
	const hexdigits = "0123456789abcdef"
	out := make([]byte, 0, n*2)
	for i := 0; i < n; i++ {
		out = append(out, hexdigits[b[i]>>4], hexdigits[b[i]&0x0f])
	}
	return string(out)
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// ------------------------
// Extractors
// ------------------------

func extractPDF(data []byte) (string, error) {
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("pdf reader: %w", err)
	}
	plain, err := r.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("pdf plaintext: %w", err)
	}
	b, err := io.ReadAll(plain)
	if err != nil {
		return "", fmt.Errorf("pdf read: %w", err)
	}
	return CollapseWhitespace(string(b)), nil
}

func detectOpenXMLKind(zipBytes []byte) (string, error) {
	zr, err := zip.NewReader(bytes.NewReader(zipBytes), int64(len(zipBytes)))
	if err != nil {
		return "", err
	}
	hasWord := false
	hasPpt := false
	for _, f := range zr.File {
		if strings.HasPrefix(f.Name, "word/") {
			hasWord = true
		}
		if strings.HasPrefix(f.Name, "ppt/") {
			hasPpt = true
		}
	}
	switch {
	case hasWord && !hasPpt:
		return "docx", nil
	case hasPpt && !hasWord:
		return "pptx", nil
	default:
		return "unknown", fmt.Errorf("zip does not look like docx or pptx")
	}
}

// extractOpenXML gathers the text nodes (<w:t>, <a:t>) of every zip entry
// selected by match.
func extractOpenXML(zipBytes []byte, match func(name string) bool) (string, error) {
	zr, err := zip.NewReader(bytes.NewReader(zipBytes), int64(len(zipBytes)))
	if err != nil {
		return "", err
	}
	var out strings.Builder
	for _, f := range zr.File {
		if !match(f.Name) {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return "", err
		}
		b, _ := io.ReadAll(rc)
		_ = rc.Close()
		out.WriteString(textNodesFromXML(b))
		out.WriteString("\n")
	}
	s := CollapseWhitespace(out.String())
	if s == "" {
		return "", fmt.Errorf("no text extracted from openxml")
	}
	return s, nil
}

func textNodesFromXML(xmlBytes []byte) string {
	dec := xml.NewDecoder(bytes.NewReader(xmlBytes))
	var out strings.Builder
	for {
		tok, err := dec.Token()
		if err != nil {
			break
		}
		se, ok := tok.(xml.StartElement)
		if !ok || se.Name.Local != "t" {
			continue
		}
		var v string
		_ = dec.DecodeElement(&v, &se)
		if v != "" {
			out.WriteString(v)
			out.WriteString(" ")
		}
	}
	return out.String()
}

var htmlTagRe = regexp.MustCompile(`(?s)<[^>]*>`)

func stripHTML(s string) string {
	s = htmlTagRe.ReplaceAllString(s, " ")
	s = strings.ReplaceAll(s, "&nbsp;", " ")
	s = strings.ReplaceAll(s, "&amp;", "&")
	return CollapseWhitespace(s)
}

// CollapseWhitespace normalizes all runs of whitespace to single spaces. The
// result is the canonical text form fed to the embedding model, so identical
// content hashes and identical embeddings stay aligned.
func CollapseWhitespace(s string) string {
	s = strings.ReplaceAll(s, "\u00a0", " ")
	fields := strings.Fields(s)
	return strings.Join(fields, " ")
}
