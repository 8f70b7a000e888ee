package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSize(t *testing.T) {
	cases := map[string]int64{
		"512":  512,
		"4k":   4 << 10,
		"64M":  64 << 20,
		" 1g ": 1 << 30,
	}
	for in, want := range cases {
		got, err := parseSize(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := parseSize("lots")
	assert.Error(t, err)
}

func TestSplitLine(t *testing.T) {
	args, err := splitLine(`write /notes.txt "two words" # trailing`)
	require.NoError(t, err)
	assert.Equal(t, []string{"write", "/notes.txt", "two words"}, args)

	args, err = splitLine("   ")
	require.NoError(t, err)
	assert.Empty(t, args)
}

func hostEnv(t *testing.T) (*env, *bytes.Buffer) {
	t.Helper()
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/data", 0o755))
	out := &bytes.Buffer{}
	e := &env{fs: fs, out: out, dir: "/data", bus: "sdmmc", cardType: "SDHC"}
	t.Cleanup(e.close)
	return e, out
}

func TestShell_FileRoundTrip(t *testing.T) {
	e, out := hostEnv(t)
	script := strings.Join([]string{
		`mkdir /logs`,
		`write /logs/a.txt "hello "`,
		`append /logs/a.txt world`,
		`cat /logs/a.txt`,
		`ls --depth 1 --pattern *.txt`,
		`rm /missing`,
		`exit`,
		`cat /never`,
	}, "\n")
	require.NoError(t, runShell(context.Background(), e, strings.NewReader(script)))

	got := out.String()
	assert.Contains(t, got, "hello world")
	assert.Contains(t, got, "/sdcard/logs/a.txt")
	assert.Contains(t, got, "error:")
	assert.NotContains(t, got, "/never")

	data, err := afero.ReadFile(e.fs, "/data/logs/a.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))
}

func TestShell_FlagsDoNotLeak(t *testing.T) {
	e, out := hostEnv(t)
	ctx := context.Background()
	require.NoError(t, runLine(ctx, e, []string{"write", "/ten", "0123456789"}))
	require.NoError(t, runLine(ctx, e, []string{"cat", "--offset", "6", "/ten"}))
	require.NoError(t, runLine(ctx, e, []string{"cat", "/ten"}))
	assert.Equal(t, "67890123456789", out.String())
}

func TestMkimage(t *testing.T) {
	fs := afero.NewMemMapFs()
	out := &bytes.Buffer{}
	e := &env{fs: fs, out: out}
	root := newRoot(e)
	root.SetArgs([]string{"mkimage", "--image", "/card.img", "--size", "1m"})
	require.NoError(t, root.ExecuteContext(context.Background()))

	fi, err := fs.Stat("/card.img")
	require.NoError(t, err)
	assert.Equal(t, int64(1<<20), fi.Size())
	assert.Contains(t, out.String(), "created /card.img")
}
