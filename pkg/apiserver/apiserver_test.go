package apiserver

import (
	"bytes"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/dssys/summerset-go/pkg/wire"
)

func dialClient(t *testing.T, addr string, id wire.ClientID) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	payload, _ := encodeGob(handshakeMsg{Client: id})
	if err := writeLenFrame(conn, payload); err != nil {
		t.Fatalf("handshake write: %v", err)
	}
	return conn
}

func sendReq(t *testing.T, conn net.Conn, reqID uint64) {
	t.Helper()
	req := wire.ApiRequest{ReqID: reqID, Cmd: wire.Command{Kind: wire.CmdGet, Key: []byte("k")}}
	payload, err := encodeGob(req)
	if err != nil {
		t.Fatalf("encode req: %v", err)
	}
	if err := writeLenFrame(conn, payload); err != nil {
		t.Fatalf("write req: %v", err)
	}
}

func recvReply(t *testing.T, conn net.Conn) wire.ApiReply {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	payload, err := readLenFrame(conn)
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	var reply wire.ApiReply
	if err := decodeGob(payload, &reply); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	return reply
}

func TestRequestReplyRoundTrip(t *testing.T) {
	s := New(zerolog.Nop())
	if err := s.Listen("127.0.0.1:0"); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer s.Close()
	addr := s.listener.Addr().String()

	conn := dialClient(t, addr, 7)
	defer conn.Close()

	sendReq(t, conn, 1)

	var got ClientRequest
	select {
	case got = <-s.RecvReq():
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for request")
	}
	if got.Client != 7 || got.Req.ReqID != 1 {
		t.Fatalf("got %+v, want client 7 reqID 1", got)
	}

	reply := wire.ApiReply{ReqID: 1, Result: &wire.CommandResult{Kind: wire.ResGet}}
	if err := s.SendReply(7, reply); err != nil {
		t.Fatalf("SendReply: %v", err)
	}

	gotReply := recvReply(t, conn)
	if gotReply.ReqID != 1 {
		t.Fatalf("got reply reqID %d, want 1", gotReply.ReqID)
	}

	if !s.HasClient(7) {
		t.Fatal("expected HasClient(7) true")
	}
	if s.HasClient(99) {
		t.Fatal("expected HasClient(99) false")
	}
}

func TestReconnectReplaysLastReply(t *testing.T) {
	s := New(zerolog.Nop())
	if err := s.Listen("127.0.0.1:0"); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer s.Close()
	addr := s.listener.Addr().String()

	conn1 := dialClient(t, addr, 3)
	sendReq(t, conn1, 1)
	got := <-s.RecvReq()
	if err := s.SendReply(3, wire.ApiReply{ReqID: got.Req.ReqID, Result: &wire.CommandResult{Kind: wire.ResGet}}); err != nil {
		t.Fatalf("SendReply: %v", err)
	}
	recvReply(t, conn1)
	conn1.Close()

	// Reconnect as the same client and resend the same req_id: it must be
	// answered from cache, never forwarded to RecvReq again.
	conn2 := dialClient(t, addr, 3)
	defer conn2.Close()
	sendReq(t, conn2, 1)

	replay := recvReply(t, conn2)
	if replay.ReqID != 1 {
		t.Fatalf("got replay reqID %d, want 1", replay.ReqID)
	}

	select {
	case req := <-s.RecvReq():
		t.Fatalf("expected no fresh request to be forwarded, got %+v", req)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestDialConnCallRoundTrip(t *testing.T) {
	s := New(zerolog.Nop())
	if err := s.Listen("127.0.0.1:0"); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer s.Close()
	addr := s.listener.Addr().String()

	cn, err := Dial(addr, 42)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer cn.Close()

	done := make(chan wire.ApiReply, 1)
	go func() {
		reply, err := cn.Call(wire.ApiRequest{ReqID: 1, Cmd: wire.Command{Kind: wire.CmdGet, Key: []byte("k")}})
		if err != nil {
			t.Errorf("Call: %v", err)
			return
		}
		done <- reply
	}()

	got := <-s.RecvReq()
	if got.Client != 42 || got.Req.ReqID != 1 {
		t.Fatalf("got %+v, want client 42 reqID 1", got)
	}
	want := wire.CommandResult{Kind: wire.ResGet, Value: []byte("v"), HasValue: true}
	if err := s.SendReply(42, wire.ApiReply{ReqID: 1, Result: &want}); err != nil {
		t.Fatalf("SendReply: %v", err)
	}

	select {
	case reply := <-done:
		if reply.Result == nil || string(reply.Result.Value) != "v" {
			t.Fatalf("got reply %+v, want value v", reply)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Call to return")
	}
}

// sanity check the length-prefixed framing helpers directly.
func TestLenFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := writeLenFrame(&buf, []byte("hello")); err != nil {
		t.Fatalf("writeLenFrame: %v", err)
	}
	if binary.LittleEndian.Uint32(buf.Bytes()[:4]) != 5 {
		t.Fatal("expected length prefix 5")
	}
	got, err := readLenFrame(&buf)
	if err != nil && err != io.EOF {
		t.Fatalf("readLenFrame: %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("got %q, want hello", got)
	}
}
