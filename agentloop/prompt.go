package agentloop

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"
)

const maxProjectDocBytes = 32 * 1024

// projectDocNames are instruction files read from the working directory.
var projectDocNames = []string{"AGENTS.md", "CONDUCTOR.md"}

const defaultSystemPrompt = `You are an assistant that completes the operator's request by calling the ` +
	`tools you are given. Call a tool when you need information or need to change something; ` +
	`reply with plain text once the request is complete. Some tools need operator approval: if a ` +
	`call is declined, do not retry it unchanged.`

// BuildSystemPrompt assembles the system prompt for a run: the configured
// base prompt (or the default), an environment block, and any project
// instruction files found in workDir.
func BuildSystemPrompt(base string, profile ModelProfile, intent Intent, workDir string) string {
	if strings.TrimSpace(base) == "" {
		base = defaultSystemPrompt
	}
	var sb strings.Builder
	sb.WriteString(base)
	sb.WriteString("\n\n<environment>\n")
	if workDir != "" {
		fmt.Fprintf(&sb, "Working directory: %s\n", workDir)
	}
	fmt.Fprintf(&sb, "Platform: %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Fprintf(&sb, "Today's date: %s\n", time.Now().Format("2006-01-02"))
	if profile.Model != "" {
		fmt.Fprintf(&sb, "Model: %s\n", profile.Model)
	}
	if intent != "" && intent != IntentGeneral {
		fmt.Fprintf(&sb, "Request type: %s\n", intent)
	}
	sb.WriteString("</environment>")

	if docs := LoadProjectDocs(workDir); docs != "" {
		sb.WriteString("\n\n")
		sb.WriteString(docs)
	}
	return sb.String()
}

// LoadProjectDocs reads recognized instruction files from dir, capped at
// 32KB in total.
func LoadProjectDocs(dir string) string {
	if dir == "" {
		return ""
	}
	var docs []string
	total := 0
	for _, name := range projectDocNames {
		content, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			continue
		}
		remaining := maxProjectDocBytes - total
		if remaining <= 0 {
			break
		}
		text := string(content)
		if len(text) > remaining {
			text = text[:remaining] + "\n[project instructions truncated at 32KB]"
		}
		docs = append(docs, fmt.Sprintf("# %s\n\n%s", name, text))
		total += len(text)
	}
	return strings.Join(docs, "\n\n---\n\n")
}
