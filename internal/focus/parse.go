package focus

import (
	"errors"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

var errParse = errors.New("focus: unexpected tool output")

// gnomeFocusScript is evaluated inside GNOME Shell and returns the focused
// window as a JSON string, or an empty string when nothing has focus.
const gnomeFocusScript = `(function () {
  const w = global.display.focus_window;
  if (!w) return "";
  return JSON.stringify({app: w.get_wm_class() || "", title: w.get_title() || "", pid: w.get_pid()});
})()`

// parseGnomeEval decodes the result of org.gnome.Shell.Eval. The shell
// returns the script value JSON-encoded, so the payload arrives as a JSON
// string holding a JSON object.
func parseGnomeEval(ok bool, result string) (Info, int, error) {
	if !ok {
		return Info{}, 0, errors.New("focus: gnome shell eval refused")
	}

	inner := result
	if v := gjson.Parse(result); v.Type == gjson.String {
		inner = v.String()
	}
	if inner == "" {
		return Info{}, 0, errParse
	}

	obj := gjson.Parse(inner)
	if !obj.IsObject() {
		return Info{}, 0, errParse
	}
	info := Info{
		AppName:     obj.Get("app").String(),
		WindowTitle: obj.Get("title").String(),
	}
	return info, int(obj.Get("pid").Int()), nil
}

// parseXpropActive extracts the window id from
// "_NET_ACTIVE_WINDOW(WINDOW): window id # 0x3a00007".
func parseXpropActive(out string) (string, error) {
	parts := strings.Fields(out)
	if len(parts) < 5 {
		return "", errParse
	}
	id := parts[len(parts)-1]
	if id == "0x0" {
		return "", errParse
	}
	return id, nil
}

// parseXpropWindow reads WM_NAME, WM_CLASS and _NET_WM_PID from xprop -id.
func parseXpropWindow(out string) (Info, int) {
	var info Info
	pid := 0
	for _, line := range strings.Split(out, "\n") {
		switch {
		case strings.HasPrefix(line, "WM_NAME"), strings.HasPrefix(line, "_NET_WM_NAME"):
			// WM_NAME(STRING) = "Document - App"
			if idx := strings.Index(line, "= \""); idx != -1 {
				end := strings.LastIndex(line, "\"")
				if end > idx+3 && info.WindowTitle == "" {
					info.WindowTitle = line[idx+3 : end]
				}
			}
		case strings.HasPrefix(line, "WM_CLASS"):
			// WM_CLASS(STRING) = "instance", "class"
			if idx := strings.Index(line, ", \""); idx != -1 {
				end := strings.LastIndex(line, "\"")
				if end > idx+3 {
					info.AppName = line[idx+3 : end]
				}
			}
		case strings.HasPrefix(line, "_NET_WM_PID"):
			// _NET_WM_PID(CARDINAL) = 12345
			if idx := strings.Index(line, "= "); idx != -1 {
				if p, err := strconv.Atoi(strings.TrimSpace(line[idx+2:])); err == nil {
					pid = p
				}
			}
		}
	}
	return info, pid
}
