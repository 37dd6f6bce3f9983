package pipeline

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"example.com/livetranscription/internal/sttproto"
)

// The tests build a Pipeline without an STT stream and call the
// unexported handleMessage directly, in place of the receive loop.
func TestHandleMessagePartialThenFinal(t *testing.T) {
	p := &Pipeline{
		cfg: Config{SpeakerSession: "spkr1", LangID: "en"},
		log: zap.NewNop(),
		lang: "en",
	}

	var got []Transcript
	p.onXcpt = func(tr Transcript) { got = append(got, tr) }

	text := strings.Repeat("a", 10)
	for i := 0; i < 6; i++ {
		p.handleMessage(sttproto.Message{Type: sttproto.Token, Text: text})
	}
	require.Len(t, got, 1)
	assert.False(t, got[0].Final)
	assert.Equal(t, 60, len(got[0].Message))

	p.handleMessage(sttproto.Message{Type: sttproto.VadEnd})
	require.Len(t, got, 2)
	assert.True(t, got[1].Final)
	assert.Equal(t, strings.Repeat("a", 60), got[1].Message)

	assert.Equal(t, 0, p.accumulated.Len())
}

func TestHandleMessageEmptyFinalNotEmitted(t *testing.T) {
	p := &Pipeline{
		cfg:  Config{SpeakerSession: "spkr1"},
		log:  zap.NewNop(),
		lang: "en",
	}
	var got []Transcript
	p.onXcpt = func(tr Transcript) { got = append(got, tr) }

	p.handleMessage(sttproto.Message{Type: sttproto.VadEnd})
	assert.Len(t, got, 0)
}
