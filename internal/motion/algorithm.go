package motion

import (
	"image"
	"math"

	"shutter/internal/imaging"
)

// Result は1回の比較結果
type Result struct {
	Strength int           // 閾値を超えた画素数
	Area     float64       // 変化した画素の割合（%）
	COG      image.Point   // 変化した画素の重心
	Points   []image.Point // 代表的な変化点
	Motion   bool          // 動きとみなすかどうか
}

// Algorithm は前回のフレームとの差分から動きを判定する
//
// フレームはぼかしてからグレースケール化し、画素ごとの輝度差の絶対値が
// PixelThresholdを超えた画素を数える。ゴルーチンセーフではない。
type Algorithm struct {
	PixelThreshold int
	AreaThreshold  float64
	BlurRadius     int
	MaxPoints      int
	PointRange     int

	prev     *image.Gray
	prevHash uint64
}

// NewAlgorithm は設定からAlgorithmを作成する
func NewAlgorithm(cfg Config) *Algorithm {
	return &Algorithm{
		PixelThreshold: cfg.PixelThreshold,
		AreaThreshold:  cfg.AreaThreshold,
		BlurRadius:     cfg.BlurRadius,
		MaxPoints:      cfg.MaxPoints,
		PointRange:     cfg.PointRange,
	}
}

// Reset は前回のフレームを破棄する
// 次のDetectは基準フレームの登録のみ行う
func (a *Algorithm) Reset() {
	a.prev = nil
	a.prevHash = 0
}

// Detect は現在のフレームを前回のフレームと比較する
// 比較対象がない場合（初回やサイズ変更時）はcompared=falseを返す
func (a *Algorithm) Detect(img image.Image) (result Result, compared bool) {
	hash := imaging.Hash(img)
	if a.prev != nil && hash == a.prevHash {
		// 全く同じフレーム
		return Result{}, true
	}

	current := imaging.Gray(imaging.Blur(img, a.BlurRadius))
	prev := a.prev
	a.prev = current
	a.prevHash = hash

	if prev == nil || !prev.Rect.Eq(current.Rect) {
		return Result{}, false
	}

	return a.compare(prev, current), true
}

func (a *Algorithm) compare(prev, current *image.Gray) Result {
	w, h := current.Rect.Dx(), current.Rect.Dy()

	var strength, sumX, sumY int
	var points []image.Point

	for y := 0; y < h; y++ {
		po := y * prev.Stride
		co := y * current.Stride
		for x := 0; x < w; x++ {
			d := int(prev.Pix[po+x]) - int(current.Pix[co+x])
			if d < 0 {
				d = -d
			}
			if d <= a.PixelThreshold {
				continue
			}

			strength++
			sumX += x
			sumY += y

			if len(points) < a.MaxPoints {
				p := image.Pt(x, y)
				if !a.nearAny(points, p) {
					points = append(points, p)
				}
			}
		}
	}

	if strength == 0 {
		return Result{}
	}

	area := float64(strength) * 100 / float64(w*h)
	return Result{
		Strength: strength,
		Area:     area,
		COG:      image.Pt(sumX/strength, sumY/strength),
		Points:   points,
		Motion:   area >= a.AreaThreshold,
	}
}

// nearAny はpがいずれかの既存点からPointRange以内にあるかを返す
func (a *Algorithm) nearAny(points []image.Point, p image.Point) bool {
	for _, q := range points {
		dx := float64(p.X - q.X)
		dy := float64(p.Y - q.Y)
		if math.Hypot(dx, dy) <= float64(a.PointRange) {
			return true
		}
	}
	return false
}
