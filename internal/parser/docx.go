package parser

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"strings"
)

type documentXML struct {
	Body struct {
		Paragraphs []paragraph `xml:"p"`
	} `xml:"body"`
}

type paragraph struct {
	Runs []struct {
		Text []struct {
			Content string `xml:",chardata"`
		} `xml:"t"`
	} `xml:"r"`
}

type coreXML struct {
	Title string `xml:"title"`
}

// parseDOCX reads paragraphs from word/document.xml and the title from
// docProps/core.xml.
func parseDOCX(data []byte) (*Result, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open docx: %w", err)
	}

	res := &Result{}
	found := false
	for _, f := range zr.File {
		switch f.Name {
		case "word/document.xml":
			raw, err := readZipFile(f)
			if err != nil {
				return nil, err
			}
			var doc documentXML
			if err := xml.Unmarshal(raw, &doc); err != nil {
				return nil, fmt.Errorf("decode document.xml: %w", err)
			}
			res.Text = joinParagraphs(doc.Body.Paragraphs)
			found = true
		case "docProps/core.xml":
			raw, err := readZipFile(f)
			if err != nil {
				continue
			}
			var core coreXML
			if xml.Unmarshal(raw, &core) == nil {
				res.Title = strings.TrimSpace(core.Title)
			}
		}
	}
	if !found {
		return nil, fmt.Errorf("docx has no word/document.xml")
	}
	return res, nil
}

func readZipFile(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", f.Name, err)
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

func joinParagraphs(paras []paragraph) string {
	var b strings.Builder
	for i, p := range paras {
		if i > 0 {
			b.WriteString("\n")
		}
		for _, r := range p.Runs {
			for _, t := range r.Text {
				b.WriteString(t.Content)
			}
		}
	}
	return strings.TrimSpace(b.String())
}
