package client

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/pgourlain/PGrok/internal/protocol"
)

var (
	faintf    = color.New(color.Faint).SprintfFunc()
	accent    = color.New(color.FgHiBlue).SprintFunc()
	okColor   = color.New(color.FgGreen)
	warnColor = color.New(color.FgYellow)
	failColor = color.New(color.FgRed)

	reqTag = color.New(color.FgCyan, color.Bold).Sprint("req")
	resTag = color.New(color.FgGreen, color.Bold).Sprint("res")
	errTag = color.New(color.FgRed, color.Bold).Sprint("err")
)

// Display prints the plain-console feed of the client: a banner when the
// tunnel comes up, one req/res line pair per relayed request, and
// reconnect notices.
type Display struct {
	local string
}

// NewDisplay creates a display for the given local target.
func NewDisplay(local string) *Display {
	return &Display{local: local}
}

// LogRequest prints the req line for a forwarded envelope.
func (d *Display) LogRequest(req *protocol.HTTPRequest) {
	fmt.Printf("%s %s %-7s %s %s\n",
		faintf("%s", clock()),
		reqTag,
		req.Method,
		req.URL,
		faintf("#%s", shortID(req.RequestID)),
	)
}

// LogResponse prints the res line once the local service answered.
func (d *Display) LogResponse(req *protocol.HTTPRequest, resp *protocol.HTTPResponse, duration time.Duration) {
	fmt.Printf("%s %s %s %s %s\n",
		faintf("%s", clock()),
		resTag,
		statusText(resp.StatusCode),
		faintf("in %s", elapsed(duration)),
		faintf("#%s", shortID(req.RequestID)),
	)
}

// LogError prints the err line when the local call failed.
func (d *Display) LogError(req *protocol.HTTPRequest, err error) {
	fmt.Printf("%s %s %v %s\n",
		faintf("%s", clock()),
		errTag,
		err,
		faintf("#%s", shortID(req.RequestID)),
	)
}

// LogConnected prints the banner for a live tunnel.
func (d *Display) LogConnected(tunnelID, publicURL string) {
	fmt.Println()
	okColor.Printf("tunnel %s is up\n", tunnelID)
	fmt.Printf("  public  %s\n", accent(publicURL))
	fmt.Printf("  local   %s\n", accent(d.local))
	fmt.Println()
}

// LogDisconnected reports a lost control channel.
func (d *Display) LogDisconnected(err error) {
	if err != nil {
		warnColor.Printf("control channel lost: %v\n", err)
		return
	}
	warnColor.Println("control channel closed")
}

// LogReconnecting reports a reconnect attempt.
func (d *Display) LogReconnecting(attempt int) {
	warnColor.Printf("reconnecting, attempt %d\n", attempt)
}

func statusText(code int) string {
	switch {
	case code >= 500:
		return failColor.Sprintf("%d", code)
	case code >= 400:
		return warnColor.Sprintf("%d", code)
	default:
		return okColor.Sprintf("%d", code)
	}
}

func clock() string {
	return time.Now().Format("15:04:05")
}

func elapsed(d time.Duration) string {
	switch {
	case d < time.Millisecond:
		return d.Round(time.Microsecond).String()
	case d < 10*time.Second:
		return d.Round(time.Millisecond).String()
	}
	return d.Round(time.Second).String()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
