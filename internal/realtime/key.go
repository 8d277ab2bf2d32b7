package realtime

import (
	"strings"
)

// keyEscaper makes ':' safe inside key parts, so that channel "a:b" with no
// table can never collide with channel "a" on table "b".
var keyEscaper = strings.NewReplacer("%", "%25", ":", "%3A")

// Key derives the canonical subscription key from the channel name, table,
// event filter and row filter of a config. Equivalent spellings
// ("" and "*", "insert" and "INSERT", "x=EQ.1" and "x=eq.1") produce the
// same key. The event filter is ignored for channels without a table.
func Key(c Config) (string, error) {
	if err := c.validateIdentity(); err != nil {
		return "", err
	}

	f, op, _ := c.changeFilter()
	table := strings.TrimSpace(c.Table)
	event := string(op)
	if table == "" {
		event = ""
	}

	parts := []string{
		strings.TrimSpace(c.ChannelName),
		table,
		event,
		f.String(),
	}
	for i, p := range parts {
		parts[i] = keyEscaper.Replace(p)
	}
	return strings.Join(parts, ":"), nil
}
