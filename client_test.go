package midipe

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/go-midipe/internal/sysex"
)

const (
	testClientMUID MUID = 0x0ABCDEF
	testDeviceMUID MUID = 0x1234567
)

// replyTo builds a reply chunk answering the given inquiry frame.
func replyTo(t *testing.T, inquiry []byte, header, body []byte, thisChunk, numChunks int) []byte {
	t.Helper()
	msg, err := sysex.Decode(inquiry)
	require.NoError(t, err)

	reply := &sysex.Message{
		SubID2:      sysex.SubIDGetReply,
		Version:     sysex.CIVersion,
		Source:      msg.Destination,
		Destination: msg.Source,
		RequestID:   msg.RequestID,
		Header:      header,
		NumChunks:   numChunks,
		ThisChunk:   thisChunk,
		Data:        body,
	}
	if msg.SubID2 == sysex.SubIDSetInquiry {
		reply.SubID2 = sysex.SubIDSetReply
	}
	frame, err := sysex.Encode(reply)
	require.NoError(t, err)
	return frame
}

func newTestClient(t *testing.T, mock *MockTransport) *Client {
	t.Helper()
	c, err := NewClient(mock, &Options{
		SourceMUID:    testClientMUID,
		SweepInterval: 10 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestGetPropertySingleChunk(t *testing.T) {
	mock := NewMockTransport()
	mock.OnSend = func(frame []byte) {
		mock.Inject(replyTo(t, frame, []byte(`{"status":200}`), []byte(`{"name":"X"}`), 1, 1))
	}
	c := newTestClient(t, mock)

	header, body, err := c.GetProperty(context.Background(), testDeviceMUID, "DeviceInfo", 0)

	require.NoError(t, err)
	assert.Equal(t, []byte(`{"status":200}`), header)
	assert.Equal(t, []byte(`{"name":"X"}`), body)
	assert.Equal(t, 0, c.ActiveCount())

	// The outbound inquiry carried the resource header.
	sent := mock.Sent()
	require.Len(t, sent, 1)
	out, err := sysex.Decode(sent[0])
	require.NoError(t, err)
	assert.Equal(t, byte(sysex.SubIDGetInquiry), out.SubID2)
	assert.Equal(t, testClientMUID, out.Source)
	assert.Equal(t, testDeviceMUID, out.Destination)
	assert.Contains(t, string(out.Header), `"resource":"DeviceInfo"`)
}

func TestGetPropertyMultiChunkOutOfOrder(t *testing.T) {
	mock := NewMockTransport()
	mock.OnSend = func(frame []byte) {
		// Device streams its reply out of order across three chunks,
		// header only in chunk 1.
		mock.Inject(replyTo(t, frame, nil, []byte("BB"), 2, 3))
		mock.Inject(replyTo(t, frame, nil, []byte("CC"), 3, 3))
		mock.Inject(replyTo(t, frame, []byte(`{"status":200}`), []byte("AA"), 1, 3))
	}
	c := newTestClient(t, mock)

	_, body, err := c.GetProperty(context.Background(), testDeviceMUID, "ChannelList", 0)

	require.NoError(t, err)
	assert.Equal(t, []byte("AABBCC"), body)
	assert.Equal(t, 0, c.ActiveCount())
}

func TestGetPropertyNon2xxStatus(t *testing.T) {
	mock := NewMockTransport()
	mock.OnSend = func(frame []byte) {
		mock.Inject(replyTo(t, frame, []byte(`{"status":404,"message":"no such resource"}`), nil, 1, 1))
	}
	c := newTestClient(t, mock)

	_, _, err := c.GetProperty(context.Background(), testDeviceMUID, "Bogus", 0)

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrProtocol), "want protocol error, got %v", err)
	assert.True(t, IsStatus(err, 404))
	assert.Equal(t, 0, c.ActiveCount())
}

func TestGetPropertyNAK(t *testing.T) {
	mock := NewMockTransport()
	mock.OnSend = func(frame []byte) {
		msg, err := sysex.Decode(frame)
		require.NoError(t, err)

		nak := []byte{0xF0, 0x7E, 0x7F, 0x0D, sysex.SubIDNAK, sysex.CIVersion}
		nak = appendMUIDForTest(nak, uint32(msg.Destination))
		nak = appendMUIDForTest(nak, uint32(msg.Source))
		nak = append(nak, msg.SubID2, 0x21, 0x00)
		nak = append(nak, msg.RequestID, 0, 0, 0, 0)
		nak = append(nak, 4, 0) // message length 4
		nak = append(nak, []byte("busy")...)
		nak = append(nak, 0xF7)
		mock.Inject(nak)
	}
	c := newTestClient(t, mock)

	_, _, err := c.GetProperty(context.Background(), testDeviceMUID, "DeviceInfo", 0)

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrProtocol), "want protocol error, got %v", err)
	assert.True(t, IsStatus(err, 0x21))
	assert.Contains(t, err.Error(), "busy")
	assert.Equal(t, 0, c.ActiveCount())
}

func TestGetPropertyMcoded7Body(t *testing.T) {
	raw := []byte{0x00, 0x7F, 0x80, 0xFF, 0x10}
	mock := NewMockTransport()
	mock.OnSend = func(frame []byte) {
		header := []byte(`{"status":200,"mutualEncoding":"Mcoded7"}`)
		mock.Inject(replyTo(t, frame, header, sysex.EncodeMcoded7(raw), 1, 1))
	}
	c := newTestClient(t, mock)

	_, body, err := c.GetProperty(context.Background(), testDeviceMUID, "State", 0)

	require.NoError(t, err)
	assert.Equal(t, raw, body)
}

func TestSetPropertyChunksOutboundBody(t *testing.T) {
	body := make([]byte, MaxPropertyDataPerMessage*2+100)
	for i := range body {
		body[i] = byte(i % 0x70)
	}

	mock := NewMockTransport()
	var lastFrame []byte
	mock.OnSend = func(frame []byte) {
		msg, err := sysex.Decode(frame)
		require.NoError(t, err)
		// Answer once the final chunk arrives.
		if msg.ThisChunk == msg.NumChunks {
			lastFrame = frame
			mock.Inject(replyTo(t, frame, []byte(`{"status":200}`), nil, 1, 1))
		}
	}
	c := newTestClient(t, mock)

	_, _, err := c.SetProperty(context.Background(), testDeviceMUID, "State", body, 0)
	require.NoError(t, err)
	require.NotNil(t, lastFrame)

	sent := mock.Sent()
	require.Len(t, sent, 3)

	var reassembled []byte
	for i, frame := range sent {
		msg, err := sysex.Decode(frame)
		require.NoError(t, err)
		assert.Equal(t, byte(sysex.SubIDSetInquiry), msg.SubID2)
		assert.Equal(t, 3, msg.NumChunks)
		assert.Equal(t, i+1, msg.ThisChunk)
		if i == 0 {
			assert.NotEmpty(t, msg.Header, "request header must ride in chunk 1")
		} else {
			assert.Empty(t, msg.Header, "request header must not repeat")
		}
		reassembled = append(reassembled, msg.Data...)
	}
	assert.Equal(t, body, reassembled)
}

func TestRequestTimeout(t *testing.T) {
	mock := NewMockTransport() // device never answers
	c := newTestClient(t, mock)

	start := time.Now()
	_, _, err := c.GetProperty(context.Background(), testDeviceMUID, "DeviceInfo", 30*time.Millisecond)

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTimeout), "want timeout, got %v", err)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, 0, c.ActiveCount())
}

func TestContextCancellationReleasesRequestID(t *testing.T) {
	mock := NewMockTransport() // device never answers
	c := newTestClient(t, mock)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, _, err := c.GetProperty(ctx, testDeviceMUID, "DeviceInfo", time.Hour)

	assert.ErrorIs(t, err, context.Canceled)
	// The client couples the wait and the transaction: abandoning the
	// call must not leak the request ID.
	assert.Equal(t, 0, c.ActiveCount())
}

func TestReplyForOtherMUIDIgnored(t *testing.T) {
	mock := NewMockTransport()
	mock.OnSend = func(frame []byte) {
		msg, err := sysex.Decode(frame)
		require.NoError(t, err)
		// Misrouted reply: right request ID, wrong destination.
		stray := &sysex.Message{
			SubID2:      sysex.SubIDGetReply,
			Version:     sysex.CIVersion,
			Source:      msg.Destination,
			Destination: 0x0000042,
			RequestID:   msg.RequestID,
			Header:      []byte(`{"status":200}`),
			NumChunks:   1,
			ThisChunk:   1,
		}
		f, err := sysex.Encode(stray)
		require.NoError(t, err)
		mock.Inject(f)
	}
	c := newTestClient(t, mock)

	_, _, err := c.GetProperty(context.Background(), testDeviceMUID, "DeviceInfo", 30*time.Millisecond)

	// The stray reply must not complete our transaction.
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTimeout), "want timeout, got %v", err)
}

func TestCancelDevice(t *testing.T) {
	mock := NewMockTransport() // device never answers
	c := newTestClient(t, mock)

	errs := make(chan error, 1)
	go func() {
		_, _, err := c.GetProperty(context.Background(), testDeviceMUID, "DeviceInfo", time.Hour)
		errs <- err
	}()

	// Wait for the request to go out, then simulate a disconnect.
	require.Eventually(t, func() bool { return c.ActiveCount() == 1 },
		time.Second, 5*time.Millisecond)
	c.CancelDevice(testDeviceMUID)

	err := <-errs
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCancelled), "want cancelled, got %v", err)
	assert.Equal(t, 0, c.ActiveCount())
}

func TestSendFailureCancelsTransaction(t *testing.T) {
	mock := NewMockTransport()
	mock.SetSendError(errors.New("wire fell out"))
	c := newTestClient(t, mock)

	_, _, err := c.GetProperty(context.Background(), testDeviceMUID, "DeviceInfo", 0)

	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeTransportClosed))
	assert.Equal(t, 0, c.ActiveCount())
}

func TestCloseResumesWaiters(t *testing.T) {
	mock := NewMockTransport()
	c, err := NewClient(mock, &Options{SourceMUID: testClientMUID})
	require.NoError(t, err)

	errs := make(chan error, 1)
	go func() {
		_, _, err := c.GetProperty(context.Background(), testDeviceMUID, "DeviceInfo", time.Hour)
		errs <- err
	}()
	require.Eventually(t, func() bool { return c.ActiveCount() == 1 },
		time.Second, 5*time.Millisecond)

	require.NoError(t, c.Close())

	waitErr := <-errs
	require.Error(t, waitErr)
	assert.True(t, errors.Is(waitErr, ErrCancelled), "want cancelled, got %v", waitErr)
}

func TestClientMetrics(t *testing.T) {
	mock := NewMockTransport()
	mock.OnSend = func(frame []byte) {
		mock.Inject(replyTo(t, frame, []byte(`{"status":200}`), []byte("ok"), 1, 1))
	}
	c := newTestClient(t, mock)

	_, _, err := c.GetProperty(context.Background(), testDeviceMUID, "DeviceInfo", 0)
	require.NoError(t, err)

	snap := c.MetricsSnapshot()
	assert.Equal(t, uint64(1), snap.RequestsBegun)
	assert.Equal(t, uint64(1), snap.Successes)
	assert.Equal(t, uint64(1), snap.ChunksReceived)
}

func appendMUIDForTest(buf []byte, muid uint32) []byte {
	return append(buf,
		byte(muid&0x7F),
		byte((muid>>7)&0x7F),
		byte((muid>>14)&0x7F),
		byte((muid>>21)&0x7F),
	)
}
