package genai

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"text/template"
)

//go:embed prompts/*.txt
var builtinPrompts embed.FS

// Prompt file names, both embedded and in an override directory.
const (
	ExtractPromptFile = "extract.txt"
	ReplyPromptFile   = "reply.txt"
	CodegenPromptFile = "codegen.txt"
)

type promptSet struct {
	extract *template.Template
	reply   *template.Template
	codegen *template.Template
}

var promptFuncs = template.FuncMap{"join": strings.Join}

// loadPrompts parses the built-in prompts, replacing any that exist in dir.
func loadPrompts(dir string) (*promptSet, error) {
	load := func(name string) (*template.Template, error) {
		text, err := fs.ReadFile(builtinPrompts, "prompts/"+name)
		if err != nil {
			return nil, fmt.Errorf("failed to read built-in prompt %s: %w", name, err)
		}
		if dir != "" {
			path := filepath.Join(dir, name)
			override, err := os.ReadFile(path)
			switch {
			case err == nil:
				slog.Info("genai.loadPrompts: using prompt override", "file", path, "length", len(override))
				text = override
			case !errors.Is(err, fs.ErrNotExist):
				return nil, fmt.Errorf("failed to read prompt %s: %w", path, err)
			}
		}
		tmpl, err := template.New(name).Funcs(promptFuncs).Parse(string(text))
		if err != nil {
			return nil, fmt.Errorf("failed to parse prompt %s: %w", name, err)
		}
		return tmpl, nil
	}

	var ps promptSet
	var err error
	if ps.extract, err = load(ExtractPromptFile); err != nil {
		return nil, err
	}
	if ps.reply, err = load(ReplyPromptFile); err != nil {
		return nil, err
	}
	if ps.codegen, err = load(CodegenPromptFile); err != nil {
		return nil, err
	}
	return &ps, nil
}

func render(tmpl *template.Template, data any) (string, error) {
	var b bytes.Buffer
	if err := tmpl.Execute(&b, data); err != nil {
		return "", fmt.Errorf("failed to render prompt %s: %w", tmpl.Name(), err)
	}
	return b.String(), nil
}
