package sessions

import (
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkoukk/tiktoken-go"

	"github.com/nextlevelbuilder/chatbridge/internal/providers"
)

// perMessageOverhead approximates the role and framing tokens chat models
// add around each message.
const perMessageOverhead = 4

// TokenCounter estimates the prompt size of a conversation.
type TokenCounter func(msgs []providers.Message) int

// encodingLoader loads a tiktoken encoding in the background. Counting
// never waits for it: until the load succeeds, EstimateFast is used.
type encodingLoader struct {
	load func() (*tiktoken.Tiktoken, error)
	once sync.Once
	done chan struct{}
	enc  atomic.Pointer[tiktoken.Tiktoken]
}

func newEncodingLoader(load func() (*tiktoken.Tiktoken, error)) *encodingLoader {
	return &encodingLoader{load: load, done: make(chan struct{})}
}

// start begins the load once and returns a channel closed when it ends.
func (l *encodingLoader) start() <-chan struct{} {
	l.once.Do(func() {
		go func() {
			defer close(l.done)
			enc, err := l.load()
			if err != nil {
				slog.Warn("token encoding unavailable, using estimates", "error", err)
				return
			}
			l.enc.Store(enc)
		}()
	})
	return l.done
}

// warm starts the load and waits at most timeout for it.
func (l *encodingLoader) warm(timeout time.Duration) bool {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-l.start():
	case <-t.C:
	}
	return l.enc.Load() != nil
}

func (l *encodingLoader) count(msgs []providers.Message) int {
	l.start()
	enc := l.enc.Load()
	total := 0
	for _, m := range msgs {
		total += perMessageOverhead
		if enc != nil {
			total += len(enc.Encode(m.Content, nil, nil))
		} else {
			total += EstimateFast(m.Content)
		}
	}
	return total
}

// cl100k may download its BPE file on first load, which is unbounded.
var cl100k = newEncodingLoader(func() (*tiktoken.Tiktoken, error) {
	return tiktoken.GetEncoding("cl100k_base")
})

// WarmEncoding starts loading cl100k_base and waits up to timeout. It
// reports whether the encoding is ready; a slow load keeps going in the
// background.
func WarmEncoding(timeout time.Duration) bool {
	return cl100k.warm(timeout)
}

// CountTokens counts msgs with cl100k_base once it has loaded, and with
// EstimateFast before that or when it cannot load. It never blocks on the
// load.
func CountTokens(msgs []providers.Message) int {
	return cl100k.count(msgs)
}

// EstimateFast returns a heuristic token estimate: max(runes/4, word_count).
// CJK text has no word breaks, so each CJK rune counts as one token.
func EstimateFast(text string) int {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return 0
	}
	var runes, cjk int
	for _, r := range trimmed {
		runes++
		if r >= 0x2E80 && r <= 0x9FFF {
			cjk++
		}
	}
	estimate := (runes-cjk)/4 + cjk
	if words := len(strings.Fields(trimmed)); estimate < words {
		estimate = words
	}
	if estimate == 0 {
		estimate = 1
	}
	return estimate
}

// CountFast is a TokenCounter built on EstimateFast.
func CountFast(msgs []providers.Message) int {
	total := 0
	for _, m := range msgs {
		total += perMessageOverhead + EstimateFast(m.Content)
	}
	return total
}
