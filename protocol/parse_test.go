package protocol

import (
	"errors"
	"strings"
	"testing"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"prism-sync/config"
	"prism-sync/domain"
)

func limits() config.Limits { return config.Default().Limits }

func requireReject(t *testing.T, err error, kind RejectKind) *RejectError {
	t.Helper()
	var rej *RejectError
	require.True(t, errors.As(err, &rej), "expected RejectError, got %v", err)
	assert.Equal(t, kind, rej.Kind, rej.Error())
	return rej
}

func TestParseOversizeBeforeDecode(t *testing.T) {
	l := limits()
	l.MaxFrameSize = 16
	_, err := Parse([]byte(`{not json at all, but long}`), l)
	requireReject(t, err, TooLarge)
}

func TestParseMalformed(t *testing.T) {
	_, err := Parse([]byte(`{"type":"identify",`), limits())
	requireReject(t, err, Malformed)
}

func TestParseUnknownType(t *testing.T) {
	_, err := Parse([]byte(`{"type":"drop-table","data":{}}`), limits())
	requireReject(t, err, Schema)
}

func TestParseIdentify(t *testing.T) {
	cmd, err := Parse([]byte(`{"type":"identify","data":{"pseudo":"alice","role":"admin","token":"t-1"}}`), limits())
	require.NoError(t, err)
	assert.Equal(t, Identify{Pseudo: "alice", Token: "t-1", Role: domain.RoleAdmin}, cmd)

	_, err = Parse([]byte(`{"type":"identify","data":{"pseudo":"alice","role":"root"}}`), limits())
	requireReject(t, err, Schema)

	_, err = Parse([]byte(`{"type":"identify","data":{"token":"x"}}`), limits())
	requireReject(t, err, Schema)
}

func TestParseJoinRoomIdentifierRules(t *testing.T) {
	cmd, err := Parse([]byte(`{"type":"join-room","data":{"boardId":"home_1"}}`), limits())
	require.NoError(t, err)
	assert.Equal(t, JoinRoom{BoardID: "home_1"}, cmd)

	for _, bad := range []string{`""`, `"has space"`, `"` + strings.Repeat("a", 31) + `"`, `42`} {
		_, err := Parse([]byte(`{"type":"join-room","data":{"boardId":`+bad+`}}`), limits())
		requireReject(t, err, Schema)
	}
}

func TestParseListRoomsWithoutData(t *testing.T) {
	cmd, err := Parse([]byte(`{"type":"list-rooms"}`), limits())
	require.NoError(t, err)
	assert.Equal(t, ListRooms{}, cmd)
	assert.False(t, Mutating(cmd))
}

func TestParseCreateItemLengthsInRunes(t *testing.T) {
	title := strings.Repeat("é", 100)
	frame, err := Encode(TypeCreateItem, map[string]any{"boardId": "home", "title": title})
	require.NoError(t, err)

	cmd, err := Parse(frame, limits())
	require.NoError(t, err)
	assert.Equal(t, CreateItem{BoardID: "home", Title: title}, cmd)
	assert.True(t, Mutating(cmd))

	frame, _ = Encode(TypeCreateItem, map[string]any{"boardId": "home", "title": title + "é"})
	_, err = Parse(frame, limits())
	requireReject(t, err, Schema)

	frame, _ = Encode(TypeCreateItem, map[string]any{"boardId": "home", "title": ""})
	_, err = Parse(frame, limits())
	requireReject(t, err, Schema)
}

func TestParseUpdateItem(t *testing.T) {
	cmd, err := Parse([]byte(`{"type":"update-item","data":{"boardId":"home","taskId":"ab-12","baseVersion":3,"patch":{"status":"doing"}}}`), limits())
	require.NoError(t, err)
	up, ok := cmd.(UpdateItem)
	require.True(t, ok)
	assert.Equal(t, 3, up.BaseVersion)
	require.NotNil(t, up.Patch.Status)
	assert.Equal(t, domain.StatusDoing, *up.Patch.Status)
	assert.Nil(t, up.Patch.Title)
}

func TestParseUpdateItemRejects(t *testing.T) {
	cases := map[string]string{
		"empty patch":        `{"boardId":"home","taskId":"a","baseVersion":0,"patch":{}}`,
		"missing patch":      `{"boardId":"home","taskId":"a","baseVersion":0}`,
		"negative version":   `{"boardId":"home","taskId":"a","baseVersion":-1,"patch":{"title":"x"}}`,
		"fractional version": `{"boardId":"home","taskId":"a","baseVersion":1.5,"patch":{"title":"x"}}`,
		"bad status":         `{"boardId":"home","taskId":"a","baseVersion":0,"patch":{"status":"blocked"}}`,
		"bad task id":        `{"boardId":"home","taskId":"a_b","baseVersion":0,"patch":{"title":"x"}}`,
		"string version":     `{"boardId":"home","taskId":"a","baseVersion":"0","patch":{"title":"x"}}`,
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(`{"type":"update-item","data":`+data+`}`), limits())
			requireReject(t, err, Schema)
		})
	}
}

func TestParseCursorBounds(t *testing.T) {
	cmd, err := Parse([]byte(`{"type":"cursor-update","data":{"pseudo":"bob","x":10.5,"y":-3}}`), limits())
	require.NoError(t, err)
	assert.Equal(t, CursorUpdate{X: 10.5, Y: -3}, cmd)

	_, err = Parse([]byte(`{"type":"cursor-update","data":{"x":2e6,"y":0}}`), limits())
	requireReject(t, err, Schema)
	_, err = Parse([]byte(`{"type":"cursor-update","data":{"x":1}}`), limits())
	requireReject(t, err, Schema)
}

func TestEncodeEnvelope(t *testing.T) {
	b, err := Encode(TypeSystemStatus, SystemStatus{State: "connected"})
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, sonic.Unmarshal(b, &got))
	assert.Equal(t, "system-status", got["type"])
	assert.Equal(t, map[string]any{"state": "connected"}, got["data"])
}
