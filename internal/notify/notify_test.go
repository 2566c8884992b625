package notify

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeChannel struct {
	name  string
	err   error
	panic bool
	calls atomic.Int32
	last  Message
}

func (f *fakeChannel) Name() string { return f.name }

func (f *fakeChannel) Send(_ context.Context, msg Message) error {
	f.calls.Add(1)
	f.last = msg
	if f.panic {
		panic("boom")
	}
	return f.err
}

func TestFanoutCoreChannelDecides(t *testing.T) {
	t.Parallel()

	down := errors.New("down")
	cases := map[string]struct {
		core     string
		channels []*fakeChannel
		want     bool
	}{
		"core ok, other fails": {
			core:     "email",
			channels: []*fakeChannel{{name: "email"}, {name: "qmsg", err: down}},
			want:     true,
		},
		"core fails, other ok": {
			core:     "email",
			channels: []*fakeChannel{{name: "email", err: down}, {name: "qmsg"}},
			want:     false,
		},
		"core panics": {
			core:     "webhook",
			channels: []*fakeChannel{{name: "webhook", panic: true}, {name: "qmsg"}},
			want:     false,
		},
		"no core, one ok": {
			channels: []*fakeChannel{{name: "email", err: down}, {name: "qmsg"}},
			want:     true,
		},
		"no core, all fail": {
			channels: []*fakeChannel{{name: "email", err: down}, {name: "qmsg", panic: true}},
			want:     false,
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			chans := make([]Channel, 0, len(tc.channels))
			for _, c := range tc.channels {
				chans = append(chans, c)
			}
			f, err := NewFanout(tc.core, nil, chans...)
			require.NoError(t, err)
			require.Equal(t, tc.want, f.Send(context.Background(), "title", "body", []string{"a.pdf"}))
			for _, c := range tc.channels {
				require.EqualValues(t, 1, c.calls.Load(), c.name)
				require.Equal(t, []string{"a.pdf"}, c.last.Attachments)
			}
		})
	}
}

func TestFanoutWithoutChannelsFails(t *testing.T) {
	t.Parallel()

	f, err := NewFanout("", nil)
	require.NoError(t, err)
	require.False(t, f.Send(context.Background(), "t", "b", nil))
}

func TestNewFanoutValidates(t *testing.T) {
	t.Parallel()

	_, err := NewFanout("email", nil, &fakeChannel{name: "qmsg"})
	require.ErrorContains(t, err, "not enabled")
	_, err = NewFanout("", nil, &fakeChannel{name: "qmsg"}, &fakeChannel{name: "qmsg"})
	require.ErrorContains(t, err, "duplicate")

	f, err := NewFanout("log", nil, NewLog(nil), &fakeChannel{name: "qmsg"})
	require.NoError(t, err)
	require.Equal(t, []string{"log", "qmsg"}, f.Channels())
	require.True(t, f.Send(context.Background(), "t", "b", nil))
}

func TestPlainText(t *testing.T) {
	t.Parallel()

	require.Equal(t, " Title\nDeadline: Friday", PlainText("## Title\n**Deadline**: Friday"))
}

func TestParseReceivers(t *testing.T) {
	t.Parallel()

	require.Equal(t, []string{"a@example.edu", "b@example.edu"}, ParseReceivers(" a@example.edu, ,b@example.edu "))
	require.Nil(t, ParseReceivers(""))
}
