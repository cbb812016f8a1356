package plugins

import (
	"bytes"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"text/template"
)

// TemplateHelper renders device configuration files from a plugin's
// built-in template set, letting site-local files under the plugin's
// var/templates directory override individual templates.
type TemplateHelper struct {
	builtin     fs.FS
	overrideDir string
	funcs       template.FuncMap
}

// NewTemplateHelper creates a helper over the plugin's built-in
// templates. overrideDir may be empty to disable overrides; funcs may
// be nil.
func NewTemplateHelper(builtin fs.FS, overrideDir string, funcs template.FuncMap) *TemplateHelper {
	return &TemplateHelper{builtin: builtin, overrideDir: overrideDir, funcs: funcs}
}

// Lookup returns the first of names that resolves to a template,
// checking the override directory before the built-in set for each
// name in turn.
func (h *TemplateHelper) Lookup(names ...string) (string, error) {
	for _, name := range names {
		if _, err := h.read(name); err == nil {
			return name, nil
		}
	}
	return "", fmt.Errorf("no template found among %v: %w", names, fs.ErrNotExist)
}

func (h *TemplateHelper) read(name string) ([]byte, error) {
	if h.overrideDir != "" {
		if data, err := os.ReadFile(filepath.Join(h.overrideDir, name)); err == nil {
			return data, nil
		}
	}
	return fs.ReadFile(h.builtin, name)
}

// Render renders the named template with vars.
func (h *TemplateHelper) Render(name string, vars interface{}) (string, error) {
	data, err := h.read(name)
	if err != nil {
		return "", fmt.Errorf("read template %s: %w", name, err)
	}
	tmpl, err := template.New(name).Funcs(h.funcs).Parse(string(data))
	if err != nil {
		return "", fmt.Errorf("parse template %s: %w", name, err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, vars); err != nil {
		return "", fmt.Errorf("execute template %s: %w", name, err)
	}
	return buf.String(), nil
}

// RenderTo renders the named template into dest through a temp file so
// devices never fetch a half-written configuration.
func (h *TemplateHelper) RenderTo(name string, vars interface{}, dest string) error {
	rendered, err := h.Render(name, vars)
	if err != nil {
		return err
	}
	return WriteDeviceFile(dest, []byte(rendered))
}

// WriteDeviceFile writes a device-served file atomically, world
// readable since the file surfaces hand it to unauthenticated phones.
func WriteDeviceFile(dest string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return fmt.Errorf("write %s: %w", dest, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), "."+filepath.Base(dest)+".*")
	if err != nil {
		return fmt.Errorf("write %s: %w", dest, err)
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()
	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("write %s: %w", dest, err)
	}
	if err := tmp.Chmod(0644); err != nil {
		return fmt.Errorf("write %s: %w", dest, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write %s: %w", dest, err)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return fmt.Errorf("write %s: %w", dest, err)
	}
	return nil
}
