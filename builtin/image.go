//go:build !vrpc_noimage

package builtin

import (
	"bytes"
	"image"
	"image/jpeg"
	"image/png"

	"golang.org/x/image/webp"

	"vrpc/errs"
	"vrpc/zdata"
)

func init() {
	adapters[TagImage] = imageCodec{}
}

// Image formats carried in the "format" field.
const (
	FormatPNG  = "png"
	FormatJPEG = "jpeg"
	FormatWebP = "webp"
)

// JPEGQuality is used when encoding FormatJPEG.
var JPEGQuality = 90

// Image is a decoded picture plus the format it travels in. Format defaults
// to png.
type Image struct {
	Image  image.Image
	Format string
}

func (img *Image) MarshalZData() (*zdata.ZData, error) {
	format := img.Format
	if format == "" {
		format = FormatPNG
	}
	if img.Image == nil {
		return nil, errs.New(errs.KindMissingField, "image: no picture to encode")
	}
	var buf bytes.Buffer
	var err error
	switch format {
	case FormatPNG:
		err = png.Encode(&buf, img.Image)
	case FormatJPEG:
		err = jpeg.Encode(&buf, img.Image, &jpeg.Options{Quality: JPEGQuality})
	case FormatWebP:
		return nil, errs.New(errs.KindTypeConversion, "image: webp encoding is not supported, only decoding; send png or jpeg")
	default:
		return nil, errs.New(errs.KindTypeConversion, "image: unsupported format %q", format)
	}
	if err != nil {
		return nil, errs.Wrap(errs.KindTypeConversion, err, "image: encode %s", format)
	}
	b := img.Image.Bounds()
	return zdata.New(TagImage).
		WithBinary(buf.Bytes()).
		WithField("format", format).
		WithField("width", int64(b.Dx())).
		WithField("height", int64(b.Dy())), nil
}

func (img *Image) UnmarshalZData(z *zdata.ZData) error {
	if !z.IsType(TagImage) {
		return errs.New(errs.KindTypeConversion, "expected %s, got %s", TagImage, z.Type)
	}
	if z.B == nil {
		return errs.New(errs.KindMissingField, "binary data missing from %s", TagImage)
	}
	format, err := z.StringField("format")
	if err != nil {
		return err
	}
	r := bytes.NewReader(z.B)
	var pic image.Image
	switch format {
	case FormatPNG:
		pic, err = png.Decode(r)
	case FormatJPEG, "jpg":
		format = FormatJPEG
		pic, err = jpeg.Decode(r)
	case FormatWebP:
		pic, err = webp.Decode(r)
	default:
		return errs.New(errs.KindTypeConversion, "image: unsupported format %q", format)
	}
	if err != nil {
		return errs.Wrap(errs.KindTypeConversion, err, "image: decode %s", format)
	}
	img.Image, img.Format = pic, format
	return nil
}

// imageCodec detects *Image as well as any bare image.Image, which is sent
// as png.
type imageCodec struct{}

func (imageCodec) Matches(v any) bool {
	switch v.(type) {
	case *Image, image.Image:
		return true
	}
	return false
}

func (imageCodec) Encode(v any) (*zdata.ZData, error) {
	switch t := v.(type) {
	case *Image:
		return t.MarshalZData()
	case image.Image:
		return (&Image{Image: t}).MarshalZData()
	}
	return nil, errs.New(errs.KindTypeConversion, "%s: cannot encode %T", TagImage, v)
}

func (imageCodec) Decode(z *zdata.ZData) (any, error) {
	img := &Image{}
	if err := img.UnmarshalZData(z); err != nil {
		return nil, err
	}
	return img, nil
}
