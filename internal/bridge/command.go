package bridge

import (
	"encoding/json"
	"strings"
	"unicode"

	"github.com/remote-serial-bridge/bridge/internal/model"
)

// ParseCommandLine turns one line of serial input into a device command.
// The expected shape is a command name optionally followed by JSON
// parameters, e.g.:
//
//	set_brightness {"level": 50}
//	reboot
//
// When the remainder fails to parse as a JSON object the whole line becomes
// the command name with empty parameters; malformed input never fails.
func ParseCommandLine(line string) model.Command {
	line = strings.TrimSpace(line)

	cut := strings.IndexFunc(line, unicode.IsSpace)
	if cut < 0 {
		return model.Command{Type: line, Params: map[string]any{}}
	}

	name := line[:cut]
	rest := strings.TrimSpace(line[cut:])

	var params map[string]any
	if err := json.Unmarshal([]byte(rest), &params); err != nil || params == nil {
		return model.Command{Type: line, Params: map[string]any{}}
	}
	return model.Command{Type: name, Params: params}
}
