// Package extract turns files supplied for import into plain text. Plain
// text and Markdown pass through; HTML is stripped to its readable text;
// PDF text is pulled out page by page.
package extract

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/kalambet/pixella/internal/apperr"
)

// Format identifies how a file's bytes are interpreted.
type Format string

const (
	FormatText Format = "text"
	FormatHTML Format = "html"
	FormatPDF  Format = "pdf"
)

// DetectFormat picks a format from the file extension.
func DetectFormat(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pdf":
		return FormatPDF
	case ".html", ".htm", ".xhtml":
		return FormatHTML
	default:
		return FormatText
	}
}

// FromFile reads path and returns its text content.
func FromFile(path string) (string, error) {
	switch DetectFormat(path) {
	case FormatPDF:
		return PDF(path)
	case FormatHTML:
		f, err := os.Open(path)
		if err != nil {
			return "", fmt.Errorf("opening %s: %w", path, err)
		}
		defer f.Close()
		return HTML(f)
	default:
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("reading %s: %w", path, err)
		}
		return Text(data)
	}
}

// Text validates that data is UTF-8 and normalizes line endings.
func Text(data []byte) (string, error) {
	if !utf8.Valid(data) {
		return "", apperr.Validation("file is not valid UTF-8 text")
	}
	s := strings.ReplaceAll(string(data), "\r\n", "\n")
	return strings.TrimPrefix(s, "\ufeff"), nil
}

// PDF extracts the plain text of every page.
func PDF(path string) (string, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		return "", apperr.Validation("opening PDF %s: %v", filepath.Base(path), err)
	}
	defer f.Close()

	rd, err := r.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("extracting PDF text: %w", err)
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(rd); err != nil {
		return "", fmt.Errorf("reading PDF text: %w", err)
	}
	return normalizeSpace(buf.String()), nil
}

var skipped = map[atom.Atom]bool{
	atom.Script:   true,
	atom.Style:    true,
	atom.Noscript: true,
	atom.Head:     true,
	atom.Svg:      true,
	atom.Template: true,
}

var blocks = map[atom.Atom]bool{
	atom.P: true, atom.Div: true, atom.Br: true, atom.Hr: true,
	atom.H1: true, atom.H2: true, atom.H3: true, atom.H4: true, atom.H5: true, atom.H6: true,
	atom.Li: true, atom.Tr: true, atom.Blockquote: true, atom.Pre: true,
	atom.Table: true, atom.Section: true, atom.Article: true,
}

// HTML walks the token stream and keeps readable text. Block elements
// become line breaks; scripts, styles and the head are dropped.
func HTML(r io.Reader) (string, error) {
	z := html.NewTokenizer(r)
	var sb strings.Builder
	depth := 0

	for {
		switch z.Next() {
		case html.ErrorToken:
			if err := z.Err(); err != io.EOF {
				return "", fmt.Errorf("parsing HTML: %w", err)
			}
			return normalizeSpace(sb.String()), nil
		case html.StartTagToken:
			name, _ := z.TagName()
			a := atom.Lookup(name)
			if skipped[a] {
				depth++
			}
			if blocks[a] {
				sb.WriteByte('\n')
			}
		case html.SelfClosingTagToken:
			name, _ := z.TagName()
			if blocks[atom.Lookup(name)] {
				sb.WriteByte('\n')
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			a := atom.Lookup(name)
			if skipped[a] && depth > 0 {
				depth--
			}
			if blocks[a] {
				sb.WriteByte('\n')
			}
		case html.TextToken:
			if depth == 0 {
				sb.Write(z.Text())
			}
		}
	}
}

var (
	multiSpaces   = regexp.MustCompile(`[ \t\f\v]+`)
	multiNewlines = regexp.MustCompile(`\n{3,}`)
)

// normalizeSpace collapses runs of blanks, trims each line and limits blank
// lines to one so paragraph breaks survive for the chunker.
func normalizeSpace(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = multiSpaces.ReplaceAllString(s, " ")
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(line)
	}
	s = strings.Join(lines, "\n")
	s = multiNewlines.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}
