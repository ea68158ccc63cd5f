package tatara

import (
	"io"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// The report paths hand these styles to cPrintf/cPrintln; they must all
// satisfy the printer interface.
var (
	_ colorPrinter = colInfo
	_ colorPrinter = colWarn
	_ colorPrinter = colError
	_ colorPrinter = colSuccess
	_ colorPrinter = colNote
)

func captureStdout(t *testing.T, fn func()) string {
	t.Helper()
	old := os.Stdout
	r, w, err := os.Pipe()
	require.NoError(t, err)
	os.Stdout = w
	defer func() { os.Stdout = old }()

	fn()
	require.NoError(t, w.Close())
	out, err := io.ReadAll(r)
	require.NoError(t, err)
	return string(out)
}

func TestCPrintfNilFallsBackToPlain(t *testing.T) {
	out := captureStdout(t, func() {
		cPrintf(nil, "built %d of %d\n", 2, 3)
	})
	assert.Equal(t, "built 2 of 3\n", out)
}

func TestCPrintlnNilFallsBackToPlain(t *testing.T) {
	out := captureStdout(t, func() {
		cPrintln(nil, "done")
	})
	assert.Equal(t, "done\n", out)
}
