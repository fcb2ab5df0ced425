package loopguard

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"
)

// captureStack grabs a real program-counter stack; skip counts frames above
// captureStack itself, so captureStack(1) starts at its caller. Tests exercise resolveFrames/firstUserFrame against
// actual runtime.Callers output rather than fabricated frames.
func captureStack(skip int) []uintptr {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(skip+1, pcs)
	return pcs[:n]
}

func TestIsSelfPath(t *testing.T) {
	require.True(t, isSelfPath("/app/vendor/loopguard/tasktracker.go", []string{"/loopguard/"}))
	require.False(t, isSelfPath("/app/mycode/handler.go", []string{"/loopguard/"}))
	require.False(t, isSelfPath("/app/mycode/handler.go", nil))
}

func TestResolveFrames_EmptyStack(t *testing.T) {
	require.Nil(t, resolveFrames(nil))
}

func TestResolveFrames_ResolvesRealFrames(t *testing.T) {
	stack := captureStack(1)
	frames := resolveFrames(stack)
	require.NotEmpty(t, frames)
	require.Contains(t, frames[0].Function, "TestResolveFrames_ResolvesRealFrames")
}

func TestFirstUserFrame_SkipsSelfPaths(t *testing.T) {
	stack := captureStack(1)
	// this test file's own frame is "self"; the next frame up the call
	// chain is testing.tRunner, which lives outside this package.
	file, line, cleaned, ok := firstUserFrame(stack, []string{"stackutil_test.go"}, 10)
	require.True(t, ok)
	require.NotContains(t, file, "stackutil_test.go")
	require.Greater(t, line, 0)
	require.NotEmpty(t, cleaned)
}

func TestFirstUserFrame_AllFramesSelfReportsNotOk(t *testing.T) {
	stack := captureStack(1)
	_, _, _, ok := firstUserFrame(stack, []string{"/"}, 10) // matches every absolute path
	require.False(t, ok)
}

func TestFirstUserFrame_CapsFrameCount(t *testing.T) {
	stack := captureStack(1)
	_, _, cleaned, ok := firstUserFrame(stack, []string{"stackutil_test.go"}, 1)
	require.True(t, ok)
	require.NotContains(t, cleaned, "\n", "maxFrames=1 must render a single line")
}
