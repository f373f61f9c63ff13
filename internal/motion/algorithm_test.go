package motion

import (
	"image"
	"image/color"
	"testing"

	"shutter/internal/imaging"
)

// frameWithSquare は背景に正方形を描いたフレームを作る
func frameWithSquare(w, h int, sq image.Rectangle, c uint8) *image.RGBA {
	img := imaging.Fill(w, h, color.RGBA{A: 255})
	for y := sq.Min.Y; y < sq.Max.Y; y++ {
		for x := sq.Min.X; x < sq.Max.X; x++ {
			img.SetRGBA(x, y, color.RGBA{R: c, G: c, B: c, A: 255})
		}
	}
	return img
}

func newTestAlgorithm() *Algorithm {
	cfg := DefaultConfig()
	cfg.BlurRadius = 0
	return NewAlgorithm(cfg)
}

func TestAlgorithm_FirstFrameIsBaseline(t *testing.T) {
	a := newTestAlgorithm()
	_, compared := a.Detect(frameWithSquare(40, 30, image.Rect(0, 0, 10, 10), 255))
	if compared {
		t.Error("Expected first frame not to be compared")
	}
}

func TestAlgorithm_IdenticalFrames(t *testing.T) {
	a := newTestAlgorithm()
	frame := frameWithSquare(40, 30, image.Rect(5, 5, 15, 15), 255)

	a.Detect(frame)
	result, compared := a.Detect(frameWithSquare(40, 30, image.Rect(5, 5, 15, 15), 255))
	if !compared {
		t.Fatal("Expected second frame to be compared")
	}
	if result.Strength != 0 || result.Motion {
		t.Errorf("Expected no motion for identical frames, got %+v", result)
	}
}

func TestAlgorithm_DetectsChange(t *testing.T) {
	a := newTestAlgorithm()
	a.Detect(frameWithSquare(40, 30, image.Rectangle{}, 0))

	// 10x10の領域が変化する
	result, compared := a.Detect(frameWithSquare(40, 30, image.Rect(10, 10, 20, 20), 255))
	if !compared {
		t.Fatal("Expected comparison")
	}
	if result.Strength != 100 {
		t.Errorf("Expected strength 100, got %d", result.Strength)
	}
	if !result.Motion {
		t.Error("Expected motion")
	}

	wantArea := 100.0 * 100 / (40 * 30)
	if result.Area != wantArea {
		t.Errorf("Expected area %f, got %f", wantArea, result.Area)
	}
	if result.COG != image.Pt(14, 14) {
		t.Errorf("Expected cog (14,14), got %v", result.COG)
	}
	if len(result.Points) == 0 {
		t.Error("Expected motion points")
	}
}

func TestAlgorithm_ThresholdIsStrict(t *testing.T) {
	a := newTestAlgorithm()
	a.PixelThreshold = 25

	a.Detect(frameWithSquare(20, 20, image.Rectangle{}, 0))

	// 輝度差が閾値ちょうどの場合は数えない
	result, _ := a.Detect(frameWithSquare(20, 20, image.Rect(0, 0, 20, 20), 25))
	if result.Strength != 0 {
		t.Errorf("Expected difference equal to threshold to be ignored, got %d", result.Strength)
	}

	result, _ = a.Detect(frameWithSquare(20, 20, image.Rect(0, 0, 20, 20), 51))
	if result.Strength != 400 {
		t.Errorf("Expected all pixels over threshold, got %d", result.Strength)
	}
}

func TestAlgorithm_AreaThreshold(t *testing.T) {
	a := newTestAlgorithm()
	a.AreaThreshold = 50

	a.Detect(frameWithSquare(10, 10, image.Rectangle{}, 0))
	result, _ := a.Detect(frameWithSquare(10, 10, image.Rect(0, 0, 2, 2), 255))
	if result.Strength == 0 {
		t.Fatal("Expected changed pixels to be counted")
	}
	if result.Motion {
		t.Errorf("Expected area %f below threshold not to be motion", result.Area)
	}
}

func TestAlgorithm_PointsRespectRangeAndLimit(t *testing.T) {
	a := newTestAlgorithm()
	a.MaxPoints = 3
	a.PointRange = 5

	a.Detect(frameWithSquare(100, 100, image.Rectangle{}, 0))
	result, _ := a.Detect(frameWithSquare(100, 100, image.Rect(0, 0, 100, 100), 255))

	if len(result.Points) != 3 {
		t.Fatalf("Expected 3 points, got %d", len(result.Points))
	}
	for i, p := range result.Points {
		for j, q := range result.Points {
			if i == j {
				continue
			}
			if dx, dy := p.X-q.X, p.Y-q.Y; dx*dx+dy*dy <= 25 {
				t.Errorf("Points %v and %v are within range", p, q)
			}
		}
	}
}

func TestAlgorithm_SizeChangeResetsBaseline(t *testing.T) {
	a := newTestAlgorithm()
	a.Detect(frameWithSquare(10, 10, image.Rectangle{}, 0))
	if _, compared := a.Detect(frameWithSquare(20, 20, image.Rectangle{}, 0)); compared {
		t.Error("Expected size change not to be compared")
	}
}
