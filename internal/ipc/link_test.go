package ipc

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestLinkRoundTripPreservesOrder(t *testing.T) {
	left, right := Pipe()
	defer left.Close()
	defer right.Close()

	const count = 20
	go func() {
		for i := 0; i < count; i++ {
			env, _ := NewEnvelope(KindMessage, i)
			_ = left.Send(env)
		}
	}()

	for i := 0; i < count; i++ {
		env, err := right.Receive()
		require.NoError(t, err)
		require.Equal(t, KindMessage, env.Kind)
		var got int
		require.NoError(t, DecodePayload(env, &got))
		require.Equal(t, i, got)
	}
}

func TestLinkConcurrentSendsDoNotInterleave(t *testing.T) {
	left, right := Pipe()
	defer left.Close()
	defer right.Close()

	const senders, each = 4, 25
	var wg sync.WaitGroup
	for s := 0; s < senders; s++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < each; i++ {
				env, _ := NewEnvelope(KindMessage, strings.Repeat("x", 512))
				_ = left.Send(env)
			}
		}()
	}

	for i := 0; i < senders*each; i++ {
		env, err := right.Receive()
		require.NoError(t, err)
		require.Equal(t, KindMessage, env.Kind)
	}
	wg.Wait()
}

func TestLinkReceiveEOFWhenPeerCloses(t *testing.T) {
	left, right := Pipe()
	defer right.Close()
	require.NoError(t, left.Close())

	_, err := right.Receive()
	require.ErrorIs(t, err, io.EOF)
}

func TestLinkSendAfterCloseFails(t *testing.T) {
	left, right := Pipe()
	defer right.Close()
	require.NoError(t, left.Close())
	require.NoError(t, left.Close())

	env, _ := NewEnvelope(KindReady, nil)
	require.ErrorIs(t, left.Send(env), ErrLinkClosed)
}

func TestLinkRejectsOversizedFrames(t *testing.T) {
	var buf bytes.Buffer
	link := NewLink(&buf, &buf, WithMaxFrameSize(16))
	env, _ := NewEnvelope(KindMessage, strings.Repeat("y", 64))
	require.ErrorIs(t, link.Send(env), ErrFrameTooLarge)

	buf.Reset()
	buf.Write(protowire.AppendVarint(nil, 1024))
	_, err := link.Receive()
	require.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestLinkMalformedFrameKeepsLinkUsable(t *testing.T) {
	var buf bytes.Buffer
	bad := []byte(`{"kind":"nope"}`)
	buf.Write(protowire.AppendVarint(nil, uint64(len(bad))))
	buf.Write(bad)

	link := NewLink(&buf, io.Discard)
	good, _ := NewEnvelope(KindReady, nil)
	body, err := Encode(good)
	require.NoError(t, err)
	buf.Write(protowire.AppendVarint(nil, uint64(len(body))))
	buf.Write(body)

	_, err = link.Receive()
	require.True(t, errors.Is(err, ErrMalformed), "expected malformed error, got %v", err)

	env, err := link.Receive()
	require.NoError(t, err)
	require.Equal(t, KindReady, env.Kind)
}

func TestLinkTruncatedFrame(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(protowire.AppendVarint(nil, 10))
	buf.WriteString(`{"ki`)
	link := NewLink(&buf, io.Discard)
	_, err := link.Receive()
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
}
