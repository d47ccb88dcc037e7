package input

import (
	"encoding/json"
	"image/color"
	"testing"

	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestPixelFormat(t *testing.T) {
	tests := []struct {
		format      PixelFormat
		name        string
		channelSize int
	}{
		{FormatRGBA8, "rgba8", 1},
		{FormatRGBA16, "rgba16", 2},
		{FormatRGBA32F, "rgba32f", 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.True(t, tt.format.Valid())
			assert.Equal(t, tt.name, tt.format.String())
			assert.Equal(t, tt.channelSize, tt.format.ChannelSize())

			parsed, err := ParsePixelFormat(tt.name)
			require.NoError(t, err)
			assert.Equal(t, tt.format, parsed)
		})
	}

	t.Run("unknown", func(t *testing.T) {
		f := PixelFormat(9)
		assert.False(t, f.Valid())
		assert.Equal(t, 0, f.ChannelSize())
		_, err := ParsePixelFormat("yuv420p")
		assert.Error(t, err)
		_, err = f.MarshalText()
		assert.Error(t, err)
	})
}

func TestPixelFormat_YAML(t *testing.T) {
	var cfg struct {
		Format PixelFormat `yaml:"format"`
	}
	require.NoError(t, yaml.Unmarshal([]byte("format: rgba16\n"), &cfg))
	assert.Equal(t, FormatRGBA16, cfg.Format)

	assert.Error(t, yaml.Unmarshal([]byte("format: nv12\n"), &cfg))
}

func TestImageHeader_Size(t *testing.T) {
	h := ImageHeader{Width: 1920, Height: 1080, Channels: 4, Format: FormatRGBA8}
	assert.Equal(t, 8294400, h.Size())
	assert.Equal(t, 7680, h.Stride())
	assert.Equal(t, "1920x1080", h.Resolution())

	h.Format = FormatRGBA32F
	assert.Equal(t, 8294400*4, h.Size())
}

func TestImageHeader_SizeOverflow(t *testing.T) {
	huge := ImageHeader{Width: 0xFFFFFFFF, Height: 0xFFFFFFFF, Channels: 4, Format: FormatRGBA32F}
	assert.Equal(t, -1, huge.Size())
	assert.ErrorIs(t, huge.Validate(), ErrSizeOverflow)

	_, err := ToImage(huge, nil)
	assert.ErrorIs(t, err, ErrSizeOverflow)

	wide := ImageHeader{Width: 0xFFFFFFFF, Height: 1, Channels: 4, Format: FormatRGBA32F}
	assert.Equal(t, wide.Size(), wide.Stride())
}

func TestImageHeader_Validate(t *testing.T) {
	valid := ImageHeader{Width: 2, Height: 2, Channels: 4, Format: FormatRGBA8}
	require.NoError(t, valid.Validate())

	zero := valid
	zero.Height = 0
	assert.ErrorIs(t, zero.Validate(), ErrZeroDimension)

	channels := valid
	channels.Channels = 5
	assert.ErrorIs(t, channels.Validate(), ErrChannelCount)

	format := valid
	format.Format = PixelFormat(7)
	assert.ErrorIs(t, format.Validate(), ErrUnknownFormat)
}

func TestImageHeader_JSON(t *testing.T) {
	h := ImageHeader{Width: 1920, Height: 1080, Channels: 4, Format: FormatRGBA8, Metadata: `{"seq":1}`}
	data, err := json.Marshal(h)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"format":"rgba8"`)

	var back ImageHeader
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, h, back)
}

func TestResult(t *testing.T) {
	assert.NoError(t, OK().Err())

	r := Failf("device %s busy", "/dev/video0")
	assert.False(t, r.Success)
	assert.EqualError(t, r.Err(), "device /dev/video0 busy")
	assert.Error(t, Result{}.Err())
}

func TestSettings(t *testing.T) {
	s := Settings{"width": "640", "fps": "29.97", "loop": "true", "bad": "x"}

	w, err := s.Int("width", 0)
	require.NoError(t, err)
	assert.Equal(t, 640, w)

	h, err := s.Int("height", 480)
	require.NoError(t, err)
	assert.Equal(t, 480, h)

	fps, err := s.Float("fps", 0)
	require.NoError(t, err)
	assert.InDelta(t, 29.97, fps, 1e-9)

	loop, err := s.Bool("loop", false)
	require.NoError(t, err)
	assert.True(t, loop)

	_, err = s.Int("bad", 0)
	assert.Error(t, err)

	assert.Equal(t, "bars", s.String("pattern", "bars"))

	clone := s.Clone()
	clone["width"] = "1280"
	assert.Equal(t, "640", s["width"])
	assert.False(t, s.Equal(clone))
	assert.True(t, s.Equal(s.Clone()))
}

func TestBase_NoCallbacks(t *testing.T) {
	var b Base
	assert.Equal(t, -1, b.UniqueID())

	lease := b.RequestBuffer(16)
	assert.False(t, lease.OK())
	assert.Equal(t, DenyNoBroker, lease.Reason)
	assert.Nil(t, lease.Buf)
	assert.Equal(t, uint64(1), b.Dropped())

	// finalize without a broker is a no-op
	b.FinalizeBuffer(0, ImageHeader{})
}

func TestBase_Callbacks(t *testing.T) {
	var b Base
	b.SetUniqueID(7)
	assert.Equal(t, 7, b.UniqueID())

	var finalized []int
	allow := true
	b.SetCallbacks(
		func(size int) Lease {
			if !allow {
				return Deny(DenyPoolExhausted)
			}
			return Lease{ID: 3, Buf: make([]byte, size)}
		},
		func(id int, header ImageHeader) {
			finalized = append(finalized, id)
		},
	)

	lease := b.RequestBuffer(8)
	require.True(t, lease.OK())
	assert.Len(t, lease.Buf, 8)
	b.FinalizeBuffer(lease.ID, ImageHeader{Width: 1, Height: 2, Channels: 4})

	allow = false
	denied := b.RequestBuffer(8)
	assert.False(t, denied.OK())
	assert.Equal(t, DenyPoolExhausted, denied.Reason)
	b.FinalizeBuffer(denied.ID, ImageHeader{})

	assert.Equal(t, []int{3}, finalized)
	assert.Equal(t, uint64(1), b.Granted())
	assert.Equal(t, uint64(1), b.Dropped())
}

func TestBase_Logger(t *testing.T) {
	var b Base
	require.NotNil(t, b.Log())

	log, hook := logtest.NewNullLogger()
	var setter LoggerSetter = &b
	setter.SetLogger(log.WithField("instance", 4))
	b.Log().Warn("device lost")

	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, 4, hook.LastEntry().Data["instance"])
}

func TestDenyReason_String(t *testing.T) {
	assert.Equal(t, "pool_exhausted", DenyPoolExhausted.String())
	assert.Equal(t, "not_started", DenyNotStarted.String())
	assert.Equal(t, "unknown", DenyReason(200).String())
}

type registryPlugin struct{ Base }

func (p *registryPlugin) Init() error   { return nil }
func (p *registryPlugin) Release()      {}
func (p *registryPlugin) Start() Result { return OK() }
func (p *registryPlugin) Stop() Result  { return OK() }

func TestRegistry(t *testing.T) {
	Register("input-test-registry", func() Plugin { return &registryPlugin{} })

	p, ok := Get("input-test-registry")
	require.True(t, ok)
	assert.NotNil(t, p)

	other, _ := Get("input-test-registry")
	assert.NotSame(t, p, other, "factory must build a new instance per call")

	assert.Contains(t, Types(), "input-test-registry")

	_, ok = Get("missing")
	assert.False(t, ok)

	assert.Panics(t, func() {
		Register("input-test-registry", func() Plugin { return &registryPlugin{} })
	})
}

func TestPixelRoundTrip(t *testing.T) {
	c := color.NRGBA64{R: 0xffff, G: 0x8080, B: 0x0000, A: 0xffff}

	for _, f := range []PixelFormat{FormatRGBA8, FormatRGBA16, FormatRGBA32F} {
		t.Run(f.String(), func(t *testing.T) {
			h := ImageHeader{Width: 2, Height: 1, Channels: 4, Format: f}
			buf := make([]byte, h.Size())
			PutPixel(buf, h, 1, c)

			assert.Equal(t, color.NRGBA64{}, Pixel(buf, h, 0))
			assert.Equal(t, c, Pixel(buf, h, 1))
		})
	}

	t.Run("single channel", func(t *testing.T) {
		h := ImageHeader{Width: 1, Height: 1, Channels: 1, Format: FormatRGBA16}
		buf := make([]byte, h.Size())
		PutPixel(buf, h, 0, color.NRGBA64{R: 0xffff, G: 0xffff, B: 0xffff, A: 0xffff})
		got := Pixel(buf, h, 0)
		assert.Equal(t, uint16(0xffff), got.R)
		assert.Equal(t, got.R, got.G)
		assert.Equal(t, uint16(0xffff), got.A)
	})
}

func TestToImage(t *testing.T) {
	h := ImageHeader{Width: 2, Height: 2, Channels: 4, Format: FormatRGBA8}
	data := make([]byte, h.Size())
	PutPixel(data, h, 3, color.NRGBA64{R: 0xffff, A: 0xffff})

	img, err := ToImage(h, data)
	require.NoError(t, err)
	assert.Equal(t, 2, img.Bounds().Dx())

	r, g, _, a := img.At(1, 1).RGBA()
	assert.Equal(t, uint32(0xffff), r)
	assert.Equal(t, uint32(0), g)
	assert.Equal(t, uint32(0xffff), a)

	_, err = ToImage(h, data[:3])
	assert.Error(t, err)

	h16 := ImageHeader{Width: 1, Height: 1, Channels: 3, Format: FormatRGBA16}
	img, err = ToImage(h16, make([]byte, h16.Size()))
	require.NoError(t, err)
	_, _, _, a = img.At(0, 0).RGBA()
	assert.Equal(t, uint32(0xffff), a)
}
