package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFrameEncodeDecodeRoundtrips(t *testing.T) {
	f := Frame{
		Header: Header{Version: 1, Type: TypeIORequest, AuthID: 7, RequestID: 42, Status: 0},
		Body:   []byte("payload"),
	}
	raw := Encode(f)

	got, err := Decode(raw)
	require.NoError(t, err)
	require.Equal(t, f.Header.AuthID, got.Header.AuthID)
	require.Equal(t, f.Header.RequestID, got.Header.RequestID)
	require.Equal(t, f.Header.Type, got.Header.Type)
	require.Equal(t, uint64(len(f.Body)), got.Header.Length)
	require.Equal(t, f.Body, got.Body)
}

func TestDecodeRejectsShortHeader(t *testing.T) {
	_, err := Decode([]byte{1, 2, 3})
	require.Error(t, err)
}

func TestDecodeRejectsTruncatedBody(t *testing.T) {
	f := Frame{Header: Header{Type: TypePoolRequest}, Body: []byte("0123456789")}
	raw := Encode(f)
	_, err := Decode(raw[:len(raw)-5])
	require.Error(t, err)
}

func TestPoolRequestEncodeDecodeRoundtrips(t *testing.T) {
	pr := PoolRequest{
		Op:               PoolCreate,
		Flags:            PoolFlagCreateOnly,
		PoolID:           5,
		PoolSize:         1 << 20,
		ExpectedObjCount: 100,
		PoolName:         "mypool",
	}
	got, err := DecodePoolRequest(pr.Encode())
	require.NoError(t, err)
	require.Equal(t, pr, got)
}

func TestIORequestEncodeDecodeRoundtripsWithBinaryKey(t *testing.T) {
	ir := IORequest{
		Op:       IOPutLocate,
		PoolID:   9,
		Flags:    IOFlagDontStomp,
		Offset:   16,
		Size:     64,
		Addr:     0xdeadbeef,
		Key:      77,
		KeyBytes: []byte{0x00, 0xff, 0x10},
		Value:    []byte("hello world"),
	}
	got, err := DecodeIORequest(ir.Encode())
	require.NoError(t, err)
	require.Equal(t, ir, got)
}

func TestIOResponseEncodeDecodeRoundtripsWithSGList(t *testing.T) {
	resp := IOResponse{
		Addr: 0x1000,
		Key:  3,
		Data: []byte("inline"),
		SGList: []SGElement{
			{Addr: 0x1000, Len: 100},
			{Addr: 0x2000, Len: 200},
		},
	}
	got, err := DecodeIOResponse(resp.Encode())
	require.NoError(t, err)
	require.Equal(t, resp, got)
}

func TestADORequestEncodeDecodeRoundtrips(t *testing.T) {
	req := ADORequest{
		PoolID:      4,
		Flags:       ADOFlagDetached | ADOFlagNoImplicitUnlock,
		Key:         []byte("k1"),
		Request:     []byte("do-something"),
		OnDemandLen: 256,
	}
	got, err := DecodeADORequest(req.Encode())
	require.NoError(t, err)
	require.Equal(t, req, got)
}

func TestPutADORequestEncodeDecodeRoundtrips(t *testing.T) {
	req := PutADORequest{
		ADORequest: ADORequest{
			PoolID:      4,
			Flags:       ADOFlagCreateOnly,
			Key:         []byte("k1"),
			Request:     []byte("req"),
			OnDemandLen: 0,
		},
		Value:      []byte("the value"),
		RootValLen: 9,
	}
	got, err := DecodePutADORequest(req.Encode())
	require.NoError(t, err)
	require.Equal(t, req, got)
}

func TestADOResponseEncodeDecodeRoundtripsWithLayers(t *testing.T) {
	resp := ADOResponse{
		Status: Status32(-5),
		Layers: []ADOResponseLayer{
			{LayerID: 1, Bytes: []byte("a")},
			{LayerID: 2, Bytes: []byte("bb")},
		},
	}
	got, err := DecodeADOResponse(resp.Encode())
	require.NoError(t, err)
	require.Equal(t, resp, got)
}

func TestInfoRequestResponseEncodeDecodeRoundtrips(t *testing.T) {
	req := InfoRequest{Type: InfoFindKey, PoolID: 1, Offset: 10, Key: []byte("prefix/")}
	gotReq, err := DecodeInfoRequest(req.Encode())
	require.NoError(t, err)
	require.Equal(t, req, gotReq)

	resp := InfoResponse{Value: 99, MatchPos: -1, MatchedKey: []byte("prefix/1")}
	gotResp, err := DecodeInfoResponse(resp.Encode())
	require.NoError(t, err)
	require.Equal(t, resp, gotResp)
}

func TestADOFlagsAreDistinctBits(t *testing.T) {
	all := []ADOFlags{
		ADOFlagDetached, ADOFlagNoOverwrite, ADOFlagCreateOnly, ADOFlagReadOnly,
		ADOFlagADOLifetimeUnlock, ADOFlagNoImplicitUnlock, ADOFlagAsync,
	}
	var union ADOFlags
	for _, f := range all {
		require.Zero(t, union&f, "flag %v overlaps an earlier flag", f)
		union |= f
	}
}
