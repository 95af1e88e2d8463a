// Copyright 2013 The imageproxy authors.
// SPDX-License-Identifier: Apache-2.0

// Package transform implements a local image transformation collaborator for
// an imagegateway.Gateway.  It fetches original images over HTTP and resizes
// and re-encodes them according to the requested options.
package transform

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"  // register gif format
	_ "image/jpeg" // register jpeg format
	_ "image/png"  // register png format
	"io"
	"strconv"

	"github.com/disintegration/imaging"
	"github.com/muesli/smartcrop"
	"github.com/muesli/smartcrop/nfnt"
	"github.com/rwcarlsen/goexif/exif"
	_ "golang.org/x/image/bmp"  // register bmp format
	_ "golang.org/x/image/tiff" // register tiff format
	_ "golang.org/x/image/webp" // register webp format
	"willnorris.com/go/gifresize"
	"willnorris.com/go/imagegateway"
)

// default compression quality of resized jpegs
const defaultQuality = 85

const (
	// maxDimension is the largest width or height that may be requested.
	maxDimension = 12000

	// maxPixels is the largest number of pixels in a source image that will
	// be decoded, and in an image that will be produced.
	maxPixels = 50 * 1000 * 1000
)

// resample filter used when resizing images
var resampleFilter = imaging.Lanczos

// background color used by the "pad" fit
var padColor = color.White

// encoders maps each format that can be written to its imaging format.
// Formats missing here, such as avif and webp, can be decoded but not encoded.
var encoders = map[string]imaging.Format{
	"jpeg": imaging.JPEG,
	"png":  imaging.PNG,
	"gif":  imaging.GIF,
	"bmp":  imaging.BMP,
	"tiff": imaging.TIFF,
}

// params holds parsed transformation options.
type params struct {
	fit           string
	width, height int
	quality       int // 0 if unset
	format        string
}

// parseParams validates the raw values in opt.
func parseParams(opt imagegateway.Options) (params, error) {
	p := params{fit: opt.Fit, format: string(opt.Format)}

	switch p.fit {
	case "":
		p.fit = "scale-down"
	case "scale-down", "contain", "cover", "crop", "pad":
	default:
		return p, fmt.Errorf("unsupported fit %q", opt.Fit)
	}

	var err error
	if p.width, err = parseDimension(opt.Width); err != nil {
		return p, fmt.Errorf("invalid width: %w", err)
	}
	if p.height, err = parseDimension(opt.Height); err != nil {
		return p, fmt.Errorf("invalid height: %w", err)
	}

	if opt.Quality != "" {
		p.quality, err = strconv.Atoi(opt.Quality)
		if err != nil {
			return p, fmt.Errorf("invalid quality: %w", err)
		}
		if p.quality < 1 || p.quality > 100 {
			return p, fmt.Errorf("quality %d out of range 1-100", p.quality)
		}
	}

	switch imagegateway.Format(p.format) {
	case imagegateway.FormatUnset, imagegateway.FormatAVIF, imagegateway.FormatWebP,
		imagegateway.FormatJPEG, imagegateway.FormatPNG, imagegateway.FormatGIF:
	default:
		return p, fmt.Errorf("unsupported format %q", opt.Format)
	}

	return p, nil
}

func parseDimension(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}
	if v < 0 {
		return 0, errors.New("must not be negative")
	}
	if v > maxDimension {
		return 0, fmt.Errorf("%d exceeds maximum of %d", v, maxDimension)
	}
	return v, nil
}

// outputFormat returns the format an image decoded as src is encoded to when
// requested is asked for.  Requests for formats without an encoder keep the
// source format, and sources without an encoder are written as png.
func outputFormat(requested, src string) string {
	if _, ok := encoders[requested]; ok {
		return requested
	}
	if _, ok := encoders[src]; ok {
		return src
	}
	return "png"
}

// Transform the provided image.  img should contain the raw bytes of an
// encoded image in one of the supported formats (gif, jpeg, png, bmp, tiff,
// or webp).  The bytes of the transformed image are returned, along with
// their content type.
//
// If no transformation is needed, img is returned unmodified.
func Transform(img []byte, opt imagegateway.Options) ([]byte, string, error) {
	p, err := parseParams(opt)
	if err != nil {
		return nil, "", err
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(img))
	if err != nil {
		return nil, "", err
	}
	if int64(cfg.Width)*int64(cfg.Height) > maxPixels {
		return nil, "", fmt.Errorf("source image of %dx%d is too large", cfg.Width, cfg.Height)
	}
	if w, h := resultSize(cfg.Width, cfg.Height, p); int64(w)*int64(h) > maxPixels {
		return nil, "", fmt.Errorf("result image of %dx%d is too large", w, h)
	}
	out := outputFormat(p.format, format)

	if p.width == 0 && p.height == 0 && p.quality == 0 && out == format {
		// bail if no transformation was requested
		return img, contentType(format), nil
	}

	buf := new(bytes.Buffer)

	// animated gifs are resized frame by frame
	if format == "gif" && out == "gif" {
		fn := func(m image.Image) image.Image {
			return transformImage(m, p)
		}
		if err := gifresize.Process(buf, bytes.NewReader(img), fn); err != nil {
			return nil, "", err
		}
		return buf.Bytes(), contentType(out), nil
	}

	m, _, err := image.Decode(bytes.NewReader(img))
	if err != nil {
		return nil, "", err
	}
	if format == "jpeg" {
		m = orient(m, exifOrientation(bytes.NewReader(img)))
	}
	m = transformImage(m, p)

	quality := p.quality
	if quality == 0 {
		quality = defaultQuality
	}
	if err := imaging.Encode(buf, m, encoders[out], imaging.JPEGQuality(quality)); err != nil {
		return nil, "", err
	}

	return buf.Bytes(), contentType(out), nil
}

func contentType(format string) string {
	return "image/" + format
}

// transformImage resizes m according to the fit, width and height in p.
func transformImage(m image.Image, p params) image.Image {
	imgW, imgH := m.Bounds().Dx(), m.Bounds().Dy()
	w, h := p.width, p.height
	if w == 0 && h == 0 {
		return m
	}

	// with only one dimension, every fit scales proportionally
	if w == 0 || h == 0 {
		if p.fit == "scale-down" || p.fit == "crop" {
			if (w == 0 || w >= imgW) && (h == 0 || h >= imgH) {
				return m
			}
		}
		return imaging.Resize(m, w, h, resampleFilter)
	}

	switch p.fit {
	case "contain":
		cw, ch := containSize(imgW, imgH, w, h)
		return imaging.Resize(m, cw, ch, resampleFilter)
	case "cover":
		return imaging.Fill(m, w, h, imaging.Center, resampleFilter)
	case "crop":
		if imgW <= w && imgH <= h {
			return m
		}
		return smartCrop(m, w, h)
	case "pad":
		cw, ch := containSize(imgW, imgH, w, h)
		bg := imaging.New(w, h, padColor)
		return imaging.PasteCenter(bg, imaging.Resize(m, cw, ch, resampleFilter))
	default: // scale-down
		return imaging.Fit(m, w, h, resampleFilter)
	}
}

// resultSize returns an upper bound on the size of the image transformImage
// produces from an imgW x imgH source.
func resultSize(imgW, imgH int, p params) (int, int) {
	w, h := p.width, p.height
	if w == 0 && h == 0 {
		return imgW, imgH
	}
	grow := p.fit != "scale-down" && p.fit != "crop"

	if w == 0 || h == 0 {
		if !grow && (w == 0 || w >= imgW) && (h == 0 || h >= imgH) {
			return imgW, imgH
		}
		if imgW == 0 || imgH == 0 {
			return max(w, 1), max(h, 1)
		}
		if w == 0 {
			return int(max(1, int64(imgW)*int64(h)/int64(imgH))), h
		}
		return w, int(max(1, int64(imgH)*int64(w)/int64(imgW)))
	}

	if !grow {
		return min(w, imgW), min(h, imgH)
	}
	return w, h
}

// containSize returns the largest size with the aspect ratio of imgW x imgH
// that fits within w x h.
func containSize(imgW, imgH, w, h int) (int, int) {
	if imgW == 0 || imgH == 0 {
		return w, h
	}
	if float64(w)/float64(imgW) < float64(h)/float64(imgH) {
		return w, max(1, imgH*w/imgW)
	}
	return max(1, imgW*h/imgH), h
}

// smartCrop crops m to the most interesting region with the aspect ratio of
// w x h, then shrinks it to at most w x h.
func smartCrop(m image.Image, w, h int) image.Image {
	analyzer := smartcrop.NewAnalyzer(nfnt.NewDefaultResizer())
	r, err := analyzer.FindBestCrop(m, w, h)
	if err != nil {
		return imaging.Fill(m, w, h, imaging.Center, resampleFilter)
	}
	m = imaging.Crop(m, r)
	if r.Dx() > w || r.Dy() > h {
		m = imaging.Fit(m, w, h, resampleFilter)
	}
	return m
}

// EXIF orientation values, see
// https://magnushoff.com/articles/jpeg-orientation/
const (
	topLeftSide     = 1
	topRightSide    = 2
	bottomRightSide = 3
	bottomLeftSide  = 4
	leftSideTop     = 5
	rightSideTop    = 6
	rightSideBottom = 7
	leftSideBottom  = 8
)

// exifOrientation reads the EXIF orientation of the image in r.  If no
// orientation is found, topLeftSide is returned.
func exifOrientation(r io.Reader) int {
	ex, err := exif.Decode(r)
	if err != nil {
		return topLeftSide
	}
	tag, err := ex.Get(exif.Orientation)
	if err != nil {
		return topLeftSide
	}
	orient, err := tag.Int(0)
	if err != nil {
		return topLeftSide
	}
	return orient
}

// orient transforms m so that an image stored with the given EXIF
// orientation is displayed upright.
func orient(m image.Image, orientation int) image.Image {
	switch orientation {
	case topRightSide:
		return imaging.FlipH(m)
	case bottomRightSide:
		return imaging.Rotate180(m)
	case bottomLeftSide:
		return imaging.FlipV(m)
	case leftSideTop:
		return imaging.Transpose(m)
	case rightSideTop:
		return imaging.Rotate270(m)
	case rightSideBottom:
		return imaging.Transverse(m)
	case leftSideBottom:
		return imaging.Rotate90(m)
	}
	return m
}
