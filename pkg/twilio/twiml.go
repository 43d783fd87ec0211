package twilio

import (
	"bytes"
	"encoding/xml"
)

// StreamTwiML builds the call instructions that connect the call's audio to
// a bidirectional media stream websocket. statusCallback, when non-empty,
// receives stream lifecycle notifications.
func StreamTwiML(streamURL, statusCallback string) string {
	attrs := ` url="` + escapeAttr(streamURL) + `"`
	if statusCallback != "" {
		attrs += ` statusCallback="` + escapeAttr(statusCallback) + `" statusCallbackMethod="POST"`
	}
	return `<?xml version="1.0" encoding="UTF-8"?><Response><Connect><Stream` + attrs + `/></Connect></Response>`
}

func escapeAttr(s string) string {
	var buf bytes.Buffer
	xml.EscapeText(&buf, []byte(s))
	return buf.String()
}
