package plugins

import (
	"os"
	"path/filepath"
	"testing"
	"testing/fstest"
	"text/template"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTemplateHelperRender(t *testing.T) {
	builtin := fstest.MapFS{
		"base.tpl": &fstest.MapFile{Data: []byte("server: {{.Proxy}}\n")},
	}
	helper := NewTemplateHelper(builtin, "", nil)

	rendered, err := helper.Render("base.tpl", map[string]string{"Proxy": "10.0.0.1"})
	require.NoError(t, err)
	assert.Equal(t, "server: 10.0.0.1\n", rendered)

	_, err = helper.Render("missing.tpl", nil)
	assert.Error(t, err)
}

func TestTemplateHelperOverride(t *testing.T) {
	builtin := fstest.MapFS{
		"base.tpl": &fstest.MapFile{Data: []byte("builtin")},
	}
	overrideDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(overrideDir, "base.tpl"), []byte("site-local"), 0644))

	helper := NewTemplateHelper(builtin, overrideDir, nil)
	rendered, err := helper.Render("base.tpl", nil)
	require.NoError(t, err)
	assert.Equal(t, "site-local", rendered)
}

func TestTemplateHelperLookup(t *testing.T) {
	builtin := fstest.MapFS{
		"6757i.tpl": &fstest.MapFile{Data: []byte("model")},
		"base.tpl":  &fstest.MapFile{Data: []byte("base")},
	}
	helper := NewTemplateHelper(builtin, "", nil)

	name, err := helper.Lookup("aa:bb:cc:dd:ee:ff.tpl", "6757i.tpl", "base.tpl")
	require.NoError(t, err)
	assert.Equal(t, "6757i.tpl", name)

	name, err = helper.Lookup("aa:bb:cc:dd:ee:ff.tpl", "9999i.tpl", "base.tpl")
	require.NoError(t, err)
	assert.Equal(t, "base.tpl", name)

	_, err = helper.Lookup("nope.tpl")
	assert.Error(t, err)
}

func TestTemplateHelperRenderTo(t *testing.T) {
	builtin := fstest.MapFS{
		"base.tpl": &fstest.MapFile{Data: []byte("mac={{.MAC}}")},
	}
	funcs := template.FuncMap{}
	helper := NewTemplateHelper(builtin, "", funcs)

	dest := filepath.Join(t.TempDir(), "tftpboot", "aabbcc.cfg")
	require.NoError(t, helper.RenderTo("base.tpl", map[string]string{"MAC": "aabbcc"}, dest))

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "mac=aabbcc", string(got))

	fi, err := os.Stat(dest)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0644), fi.Mode().Perm())
}
