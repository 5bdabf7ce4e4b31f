package supervisor

import (
	"os/exec"
	"strings"
)

// buildCommand constructs an *exec.Cmd for a service launch command.
// It avoids invoking a shell when not necessary and respects an explicit
// shell invocation already present in the command string (e.g.
// "sh -c 'echo hi'"), avoiding double-wrapping with another shell.
func buildCommand(cmdStr string) *exec.Cmd {
	cmdStr = strings.TrimSpace(cmdStr)
	if cmdStr == "" {
		// #nosec G204
		return exec.Command("/bin/true")
	}
	if after, ok := parseExplicitShell(cmdStr); ok {
		// #nosec G204
		return exec.Command("/bin/sh", "-c", after)
	}
	if strings.ContainsAny(cmdStr, "|&;<>*?`$\"'(){}[]~") {
		// #nosec G204
		return exec.Command("/bin/sh", "-c", cmdStr)
	}
	parts := strings.Fields(cmdStr)
	name := parts[0]
	var args []string
	if len(parts) > 1 {
		args = parts[1:]
	}
	// #nosec G204
	return exec.Command(name, args...)
}

// parseExplicitShell detects "sh -c <ARG>" style prefixes and returns the
// script after "-c" verbatim, with one pair of outer quotes stripped so the
// shell parses redirections inside the script.
func parseExplicitShell(cmdStr string) (string, bool) {
	trim := strings.TrimLeft(cmdStr, " \t")
	candidates := []string{"sh -c ", "/bin/sh -c ", "/usr/bin/sh -c "}
	for _, p := range candidates {
		if strings.HasPrefix(trim, p) {
			after := trim[len(p):]
			if n := len(after); n >= 2 {
				if (after[0] == '\'' && after[n-1] == '\'') || (after[0] == '"' && after[n-1] == '"') {
					after = after[1 : n-1]
				}
			}
			return after, true
		}
	}
	return "", false
}
