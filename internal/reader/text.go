package reader

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/ledongthuc/pdf"
	"github.com/xuri/excelize/v2"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
	"golang.org/x/text/unicode/norm"

	"github.com/franz/dedup-janitor/internal/util"
)

var spaces = regexp.MustCompile(`\s+`)

// ReadText extracts the plain text of a document in NFC form with runs of
// whitespace collapsed
func ReadText(path string) (string, error) {
	var (
		text string
		err  error
	)

	switch strings.ToLower(filepath.Ext(path)) {
	case ".txt", ".md", ".markdown", ".csv", ".json":
		text, err = readPlain(path)
	case ".html", ".htm":
		text, err = readHTML(path)
	case ".pdf":
		text, err = readPDF(path)
	case ".xlsx":
		text, err = readSpreadsheet(path)
	default:
		return "", util.WrapKind(util.ErrUnsupportedFormat, "read "+path, nil)
	}
	if err != nil {
		return "", err
	}

	text = norm.NFC.String(strings.ToValidUTF8(text, " "))
	return strings.TrimSpace(spaces.ReplaceAllString(text, " ")), nil
}

func readPlain(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", util.WrapKind(util.ErrIO, "read "+path, err)
	}
	return string(data), nil
}

func readHTML(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", util.WrapKind(util.ErrIO, "read "+path, err)
	}
	defer f.Close()

	text, err := stripHTML(f)
	if err != nil {
		return "", util.WrapKind(util.ErrIO, "read "+path, err)
	}
	return text, nil
}

// stripHTML returns the visible text of an HTML document with entities
// decoded. Script, style and template bodies are dropped and every tag
// boundary becomes a space.
func stripHTML(r io.Reader) (string, error) {
	var b strings.Builder
	z := html.NewTokenizer(r)
	hidden := 0
	for {
		switch z.Next() {
		case html.ErrorToken:
			if err := z.Err(); err != io.EOF {
				return "", err
			}
			return b.String(), nil
		case html.TextToken:
			if hidden == 0 {
				b.WriteString(strings.ReplaceAll(string(z.Text()), "\u00a0", " "))
			}
		case html.StartTagToken:
			if invisible(z) {
				hidden++
			}
			b.WriteByte(' ')
		case html.EndTagToken:
			if invisible(z) && hidden > 0 {
				hidden--
			}
			b.WriteByte(' ')
		case html.SelfClosingTagToken:
			b.WriteByte(' ')
		}
	}
}

func invisible(z *html.Tokenizer) bool {
	name, _ := z.TagName()
	switch atom.Lookup(name) {
	case atom.Script, atom.Style, atom.Template, atom.Noscript:
		return true
	}
	return false
}

// readPDF recovers from parser panics on malformed files
func readPDF(path string) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = util.WrapKind(util.ErrCorruptFile, "parse "+path, fmt.Errorf("%v", r))
		}
	}()

	f, r, err := pdf.Open(path)
	if err != nil {
		if os.IsNotExist(err) || os.IsPermission(err) {
			return "", util.WrapKind(util.ErrIO, "open "+path, err)
		}
		return "", util.WrapKind(util.ErrCorruptFile, "open "+path, err)
	}
	defer f.Close()

	plain, err := r.GetPlainText()
	if err != nil {
		return "", util.WrapKind(util.ErrCorruptFile, "extract "+path, err)
	}
	data, err := io.ReadAll(plain)
	if err != nil {
		return "", util.WrapKind(util.ErrCorruptFile, "extract "+path, err)
	}
	return string(data), nil
}

func readSpreadsheet(path string) (string, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		if os.IsNotExist(err) || os.IsPermission(err) {
			return "", util.WrapKind(util.ErrIO, "open "+path, err)
		}
		return "", util.WrapKind(util.ErrCorruptFile, "open "+path, err)
	}
	defer f.Close()

	var b strings.Builder
	for _, sheet := range f.GetSheetList() {
		rows, err := f.GetRows(sheet)
		if err != nil {
			return "", util.WrapKind(util.ErrCorruptFile, "sheet "+sheet, err)
		}
		for _, row := range rows {
			b.WriteString(strings.Join(row, " "))
			b.WriteByte('\n')
		}
	}
	return b.String(), nil
}

// WordCount counts whitespace-separated words
func WordCount(text string) int {
	return len(strings.Fields(text))
}
