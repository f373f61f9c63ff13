// Package imaging はフレーム処理の共通処理を提供する
//
// ハッシュ計算、グレースケール化、ぼかし、縮小、JPEGエンコードを扱う。
package imaging

import (
	"bytes"
	"encoding/binary"
	"image"
	"image/color"
	"image/jpeg"

	"github.com/cespare/xxhash"
	gift "github.com/disintegration/imaging"
	"golang.org/x/image/draw"
)

// Hash はフレームの画素内容から64bitハッシュを計算する
// 同一内容のフレームは同じ値になる
func Hash(img image.Image) uint64 {
	if img == nil {
		return 0
	}

	b := img.Bounds()
	d := xxhash.New()

	var header [16]byte
	binary.LittleEndian.PutUint64(header[0:], uint64(b.Dx()))
	binary.LittleEndian.PutUint64(header[8:], uint64(b.Dy()))
	_, _ = d.Write(header[:])

	switch m := img.(type) {
	case *image.RGBA:
		writeRows(d, m.Pix, m.Stride, b.Dx()*4, b.Dy())
	case *image.NRGBA:
		writeRows(d, m.Pix, m.Stride, b.Dx()*4, b.Dy())
	case *image.Gray:
		writeRows(d, m.Pix, m.Stride, b.Dx(), b.Dy())
	default:
		row := make([]byte, 0, b.Dx()*4)
		for y := b.Min.Y; y < b.Max.Y; y++ {
			row = row[:0]
			for x := b.Min.X; x < b.Max.X; x++ {
				r, g, bl, a := img.At(x, y).RGBA()
				row = append(row, byte(r>>8), byte(g>>8), byte(bl>>8), byte(a>>8))
			}
			_, _ = d.Write(row)
		}
	}

	return d.Sum64()
}

type writer interface {
	Write(p []byte) (int, error)
}

func writeRows(w writer, pix []byte, stride, rowLen, rows int) {
	for y := 0; y < rows; y++ {
		off := y * stride
		_, _ = w.Write(pix[off : off+rowLen])
	}
}

// Gray は画像を輝度のみのグレースケール画像に変換する
func Gray(img image.Image) *image.Gray {
	if g, ok := img.(*image.Gray); ok {
		return g
	}
	b := img.Bounds()
	gray := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(gray, gray.Bounds(), img, b.Min, draw.Src)
	return gray
}

// Blur はガウスぼかしを適用した画像を返す
// シグマは半径の半分とし、radiusが0以下の場合はコピーのみ行う
func Blur(img image.Image, radius int) *image.NRGBA {
	if radius <= 0 {
		return gift.Clone(img)
	}
	return gift.Blur(img, float64(radius)/2)
}

// Scale は幅widthに合わせてアスペクト比を保ったまま縮小する
// widthが0以下または元画像以上の場合はそのまま返す
func Scale(img image.Image, width int) image.Image {
	b := img.Bounds()
	if width <= 0 || width >= b.Dx() {
		return img
	}

	height := b.Dy() * width / b.Dx()
	if height < 1 {
		height = 1
	}

	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}

// EncodeJPEG は画像をJPEGバイト列にエンコードする
func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	if quality <= 0 || quality > 100 {
		quality = jpeg.DefaultQuality
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Fill は単色で塗りつぶしたRGBA画像を作成する
func Fill(width, height int, c color.Color) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: c}, image.Point{}, draw.Src)
	return img
}
