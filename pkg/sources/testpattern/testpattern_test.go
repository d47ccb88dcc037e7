package testpattern

import (
	"encoding/json"
	"image/color"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/video-system/go-input-host/pkg/broker"
	"github.com/video-system/go-input-host/pkg/input"
)

func newSource(t *testing.T, settings input.Settings) (*Source, *broker.Broker, *broker.Session) {
	t.Helper()
	b := broker.New(broker.Config{Slots: 4}, nil, nil)
	sess := b.Session(7)
	require.NoError(t, sess.Enable())

	p, ok := New().(*Source)
	require.True(t, ok)
	p.SetUniqueID(7)
	require.NoError(t, p.Init())
	p.SetCallbacks(sess.Callbacks())
	p.ReadSettings(settings)
	t.Cleanup(func() {
		p.Release()
		b.Close()
	})
	return p, b, sess
}

func nextFrame(t *testing.T, b *broker.Broker) *broker.Frame {
	t.Helper()
	select {
	case f := <-b.Frames():
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("no frame produced")
		return nil
	}
}

func TestSource_ProducesBars(t *testing.T) {
	p, b, sess := newSource(t, input.Settings{
		"width":  "16",
		"height": "2",
		"fps":    "100",
	})
	require.True(t, p.Start().Success)

	f := nextFrame(t, b)
	assert.Equal(t, 7, f.InstanceID)
	assert.Equal(t, input.ImageHeader{
		Width: 16, Height: 2, Channels: 4, Format: input.FormatRGBA8, Metadata: f.Header.Metadata,
	}, f.Header)
	assert.Len(t, f.Data, 16*2*4)

	assert.Equal(t, bars[0], input.Pixel(f.Data, f.Header, 0))
	assert.Equal(t, bars[7], input.Pixel(f.Data, f.Header, 15))
	assert.Equal(t, bars[7], input.Pixel(f.Data, f.Header, 31))

	var meta map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(f.Header.Metadata), &meta))
	assert.Equal(t, "bars", meta["pattern"])
	f.Release()

	require.True(t, p.Stop().Success)
	sess.Disable()

	st := b.Stats()
	assert.Equal(t, 0, st.Outstanding)
	assert.GreaterOrEqual(t, p.Frames(), uint64(1))
}

func TestSource_SolidRGBA16(t *testing.T) {
	p, b, _ := newSource(t, input.Settings{
		"width":    "4",
		"height":   "4",
		"channels": "3",
		"format":   "rgba16",
		"pattern":  "solid",
		"color":    "#ff8000",
		"fps":      "100",
	})
	require.True(t, p.Start().Success)

	f := nextFrame(t, b)
	defer f.Release()
	assert.Equal(t, input.FormatRGBA16, f.Header.Format)
	assert.Len(t, f.Data, 4*4*3*2)
	assert.Equal(t, color.NRGBA64{R: 0xffff, G: 0x8080, B: 0, A: 0xffff}, input.Pixel(f.Data, f.Header, 5))
}

func TestSource_Gradient(t *testing.T) {
	cfg, err := parseConfig(input.Settings{"width": "5", "height": "1", "pattern": "gradient"})
	require.NoError(t, err)

	assert.Equal(t, uint16(0), cfg.pixel(0, 5, 0).R)
	assert.Equal(t, uint16(0xffff), cfg.pixel(4, 5, 0).R)
	// The ramp scrolls with the frame number
	assert.Equal(t, uint16(0xffff), cfg.pixel(3, 5, 1).R)
}

func TestSource_PoolExhaustedDrops(t *testing.T) {
	p, b, _ := newSource(t, input.Settings{"width": "2", "height": "2", "fps": "200"})
	require.True(t, p.Start().Success)

	// Never release: the four slots fill up and later frames are dropped
	assert.Eventually(t, func() bool {
		return p.Dropped() > 0
	}, 2*time.Second, 5*time.Millisecond)
	require.True(t, p.Stop().Success)

	st := b.Stats()
	assert.Equal(t, 4, st.Queued)
	assert.Equal(t, p.Frames(), st.Finalized)
}

func TestSource_InvalidSettingsKept(t *testing.T) {
	p, _, _ := newSource(t, input.Settings{"width": "32", "height": "8"})
	p.ReadSettings(input.Settings{"pattern": "plaid"})
	assert.Equal(t, uint32(32), p.cfg.header.Width)

	p.ReadSettings(input.Settings{"width": "-1"})
	assert.Equal(t, uint32(32), p.cfg.header.Width)
}

func TestSource_DrawSettingsUIFillsDefaults(t *testing.T) {
	p := New().(*Source)
	settings := input.Settings{"width": "640"}
	show := true
	p.DrawSettingsUI(settings, &show)

	assert.Equal(t, "640", settings["width"])
	assert.Equal(t, "bars", settings["pattern"])
	assert.Equal(t, "30", settings["fps"])
	assert.True(t, show)
}

func TestSource_NoCallbacks(t *testing.T) {
	p := New().(*Source)
	require.NoError(t, p.Init())
	lease := p.RequestBuffer(16)
	assert.False(t, lease.OK())
	assert.Equal(t, input.DenyNoBroker, lease.Reason)
}

func TestParseHexColor(t *testing.T) {
	c, err := parseHexColor("#11223380")
	require.NoError(t, err)
	assert.Equal(t, color.NRGBA64{R: 0x1111, G: 0x2222, B: 0x3333, A: 0x8080}, c)

	_, err = parseHexColor("#123")
	assert.Error(t, err)
	_, err = parseHexColor("zzzzzz")
	assert.Error(t, err)
}

func TestRegistered(t *testing.T) {
	p, ok := input.Get(Type)
	require.True(t, ok)
	assert.IsType(t, &Source{}, p)
}
