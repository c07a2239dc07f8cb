package focus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingProvider struct {
	calls int
	info  Info
	err   error
}

func (p *countingProvider) Focused(context.Context) (Info, error) {
	p.calls++
	return p.info, p.err
}

func TestCachedReusesWithinTTL(t *testing.T) {
	inner := &countingProvider{info: Info{AppName: "gedit", WindowTitle: "notes.txt"}}
	c := Cached(inner, 250*time.Millisecond, nil)

	now := time.Unix(1000, 0)
	c.now = func() time.Time { return now }

	for i := 0; i < 5; i++ {
		info, err := c.Focused(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "gedit", info.AppName)
	}
	assert.Equal(t, 1, inner.calls)

	now = now.Add(300 * time.Millisecond)
	_, _ = c.Focused(context.Background())
	assert.Equal(t, 2, inner.calls)

	c.Invalidate()
	_, _ = c.Focused(context.Background())
	assert.Equal(t, 3, inner.calls)
}

func TestCachedMapsFailureToUnknown(t *testing.T) {
	inner := &countingProvider{err: errors.New("xdotool: not found")}
	c := Cached(inner, 0, nil)

	info, err := c.Focused(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Unknown, info)

	inner.err = nil
	inner.info = Info{WindowTitle: "untitled"}
	info, err = c.Focused(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Info{AppName: "unknown", WindowTitle: "untitled"}, info)
}

func TestStatic(t *testing.T) {
	info, err := Static(Info{AppName: "term"}).Focused(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "term", info.AppName)
}

func TestParseGnomeEval(t *testing.T) {
	tests := []struct {
		name    string
		ok      bool
		result  string
		want    Info
		wantPID int
		wantErr bool
	}{
		{
			name:    "quoted object",
			ok:      true,
			result:  `"{\"app\":\"org.gnome.TextEditor\",\"title\":\"메모\",\"pid\":42}"`,
			want:    Info{AppName: "org.gnome.TextEditor", WindowTitle: "메모"},
			wantPID: 42,
		},
		{
			name:   "bare object",
			ok:     true,
			result: `{"app":"firefox","title":"Mozilla Firefox"}`,
			want:   Info{AppName: "firefox", WindowTitle: "Mozilla Firefox"},
		},
		{name: "no focus", ok: true, result: `""`, wantErr: true},
		{name: "refused", ok: false, result: "", wantErr: true},
		{name: "garbage", ok: true, result: `"nope"`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info, pid, err := parseGnomeEval(tt.ok, tt.result)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, info)
			assert.Equal(t, tt.wantPID, pid)
		})
	}
}

func TestParseXprop(t *testing.T) {
	id, err := parseXpropActive("_NET_ACTIVE_WINDOW(WINDOW): window id # 0x3a00007\n")
	require.NoError(t, err)
	assert.Equal(t, "0x3a00007", id)

	_, err = parseXpropActive("_NET_ACTIVE_WINDOW(WINDOW): window id # 0x0")
	assert.Error(t, err)
	_, err = parseXpropActive("garbage")
	assert.Error(t, err)

	info, pid := parseXpropWindow(`WM_NAME(STRING) = "notes.txt - gedit"
WM_CLASS(STRING) = "gedit", "Gedit"
_NET_WM_PID(CARDINAL) = 4242
`)
	assert.Equal(t, Info{AppName: "Gedit", WindowTitle: "notes.txt - gedit"}, info)
	assert.Equal(t, 4242, pid)
}
