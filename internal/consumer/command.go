package consumer

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/tidwall/sjson"
)

var (
	errEmptyCommand   = errors.New("empty command")
	errEmptyParamName = errors.New("missing parameter name")
)

var pathEscaper = strings.NewReplacer(".", `\.`, "*", `\*`, "?", `\?`, "|", `\|`, "#", `\#`, "@", `\@`)

// ParseCommand splits a command string such as "setBrightness value=1.2"
// into the method name and a JSON object of parameters. key=value pairs keep
// everything after the first '='; a bare token is stored under "value".
// Finite numbers become JSON numbers; NaN and infinities stay strings.
// A pair with an empty name such as "=3" is rejected.
func ParseCommand(s string) (string, json.RawMessage, error) {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return "", nil, errEmptyCommand
	}

	params := []byte(`{}`)
	for _, part := range fields[1:] {
		key, value := "value", part
		if k, v, ok := strings.Cut(part, "="); ok {
			key, value = k, v
		}
		if key == "" {
			return "", nil, fmt.Errorf("parameter %q: %w", part, errEmptyParamName)
		}

		var err error
		if n, perr := strconv.ParseFloat(value, 64); perr == nil && !math.IsNaN(n) && !math.IsInf(n, 0) {
			params, err = sjson.SetBytes(params, pathEscaper.Replace(key), n)
		} else {
			params, err = sjson.SetBytes(params, pathEscaper.Replace(key), value)
		}
		if err != nil {
			return "", nil, err
		}
	}
	return fields[0], params, nil
}
