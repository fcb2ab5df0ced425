package loopguard

import (
	"runtime"
	"strconv"
	"strings"
)

// frameInfo is a single resolved stack frame.
type frameInfo struct {
	Function string
	File     string
	Line     int
}

// resolveFrames converts a raw program-counter stack (as captured by
// hostloop's LifecycleHooks.OnCreate) into resolved frames, in
// callee-to-caller order (the innermost frame, the top of the stack, first).
func resolveFrames(stack []uintptr) []frameInfo {
	if len(stack) == 0 {
		return nil
	}
	frames := runtime.CallersFrames(stack)
	out := make([]frameInfo, 0, len(stack))
	for {
		frame, more := frames.Next()
		if frame.Function != "" {
			out = append(out, frameInfo{Function: frame.Function, File: frame.File, Line: frame.Line})
		}
		if !more {
			break
		}
	}
	return out
}

// isSelfPath reports whether file matches one of the monitor's own
// implementation path substrings or component names (spec §4.4:
// "matched by path substrings and known component names"). This is the
// shared self-filtering rule used by both the Task Tracker and the
// Unawaited-Task Detector.
func isSelfPath(file string, selfPaths []string) bool {
	for _, p := range selfPaths {
		if p != "" && strings.Contains(file, p) {
			return true
		}
	}
	return false
}

// firstUserFrame returns the first frame in stack whose file is not a
// self-path, along with the formatted stack text for the frames at and
// below it, capped at maxFrames (spec §4.4: "cleaned stack (user frames
// only, top 10)").
func firstUserFrame(stack []uintptr, selfPaths []string, maxFrames int) (file string, line int, cleaned string, ok bool) {
	frames := resolveFrames(stack)
	start := -1
	for i, f := range frames {
		if !isSelfPath(f.File, selfPaths) {
			start = i
			break
		}
	}
	if start < 0 {
		return "", 0, "", false
	}
	file, line = frames[start].File, frames[start].Line

	end := start + maxFrames
	if end > len(frames) {
		end = len(frames)
	}
	var b strings.Builder
	for _, f := range frames[start:end] {
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(f.Function)
		b.WriteString(" (")
		b.WriteString(f.File)
		b.WriteByte(':')
		b.WriteString(strconv.Itoa(f.Line))
		b.WriteByte(')')
	}
	return file, line, b.String(), true
}
