package trigger

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

var (
	ErrInvalidPattern  = errors.New("trigger: invalid pattern")
	ErrInvalidTemplate = errors.New("trigger: invalid template")
	ErrInvalidWindow   = errors.New("trigger: invalid window")
)

const (
	DefaultPattern          = `youtube\.com/shorts`
	DefaultReplyLinkPattern = `<mx-reply><blockquote><a href="([^"]+)">In reply to</a>`
	DefaultCommand          = ".r"
	DefaultWindow           = 24 * time.Hour
)

// Options configure a Counter. Zero values fall back to defaults.
type Options struct {
	Pattern          string
	ReplyLinkPattern string
	Command          string
	Mode             Mode
	Template         string
	Window           time.Duration
}

func DefaultOptions() Options {
	return Options{
		Pattern:          DefaultPattern,
		ReplyLinkPattern: DefaultReplyLinkPattern,
		Command:          DefaultCommand,
		Mode:             ModeExtended,
		Window:           DefaultWindow,
	}
}

// compiled is an immutable, ready-to-use option set.
type compiled struct {
	monitored *regexp.Regexp
	replyLink *regexp.Regexp
	command   string
	renderer  *Renderer
	windowMS  int64
}

// Validate reports whether opts would be accepted by NewCounter or Apply.
func Validate(opts Options) error {
	_, err := compile(opts)
	return err
}

func compile(opts Options) (*compiled, error) {
	def := DefaultOptions()
	if strings.TrimSpace(opts.Pattern) == "" {
		opts.Pattern = def.Pattern
	}
	if strings.TrimSpace(opts.ReplyLinkPattern) == "" {
		opts.ReplyLinkPattern = def.ReplyLinkPattern
	}
	if strings.TrimSpace(opts.Command) == "" {
		opts.Command = def.Command
	}
	if opts.Window == 0 {
		opts.Window = def.Window
	}
	if opts.Window < time.Second {
		return nil, fmt.Errorf("%w: %s (min 1s)", ErrInvalidWindow, opts.Window)
	}

	monitored, err := regexp.Compile(opts.Pattern)
	if err != nil {
		return nil, fmt.Errorf("%w: pattern: %v", ErrInvalidPattern, err)
	}
	replyLink, err := regexp.Compile(opts.ReplyLinkPattern)
	if err != nil {
		return nil, fmt.Errorf("%w: reply_link_pattern: %v", ErrInvalidPattern, err)
	}
	if replyLink.NumSubexp() < 1 {
		return nil, fmt.Errorf("%w: reply_link_pattern needs a capture group", ErrInvalidPattern)
	}
	r, err := NewRenderer(opts.Mode, opts.Template)
	if err != nil {
		return nil, err
	}
	return &compiled{
		monitored: monitored,
		replyLink: replyLink,
		command:   opts.Command,
		renderer:  r,
		windowMS:  opts.Window.Milliseconds(),
	}, nil
}
