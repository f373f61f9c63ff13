package camera

import (
	"fmt"
	"strings"
)

// 標準的な解像度
var (
	QQVGA = Resolution{Width: 176, Height: 144}
	QVGA  = Resolution{Width: 320, Height: 240}
	CIF   = Resolution{Width: 352, Height: 288}
	HVGA  = Resolution{Width: 480, Height: 400}
	VGA   = Resolution{Width: 640, Height: 480}
	PAL   = Resolution{Width: 768, Height: 576}
	SVGA  = Resolution{Width: 800, Height: 600}
	XGA   = Resolution{Width: 1024, Height: 768}
	HD720 = Resolution{Width: 1280, Height: 720}
	WXGA  = Resolution{Width: 1280, Height: 768}
	SXGA  = Resolution{Width: 1280, Height: 1024}
	UXGA  = Resolution{Width: 1600, Height: 1200}
	QXGA  = Resolution{Width: 2048, Height: 1536}
	WQHD  = Resolution{Width: 2560, Height: 1440}
	WQXGA = Resolution{Width: 2560, Height: 1600}
)

var namedResolutions = map[string]Resolution{
	"QQVGA": QQVGA,
	"QVGA":  QVGA,
	"CIF":   CIF,
	"HVGA":  HVGA,
	"VGA":   VGA,
	"PAL":   PAL,
	"SVGA":  SVGA,
	"XGA":   XGA,
	"HD720": HD720,
	"WXGA":  WXGA,
	"SXGA":  SXGA,
	"UXGA":  UXGA,
	"QXGA":  QXGA,
	"WQHD":  WQHD,
	"WQXGA": WQXGA,
}

// ParseResolution は "VGA" のような名前または "640x480" 形式の文字列を解析する
func ParseResolution(s string) (Resolution, error) {
	s = strings.TrimSpace(s)
	if r, ok := namedResolutions[strings.ToUpper(s)]; ok {
		return r, nil
	}

	var r Resolution
	if _, err := fmt.Sscanf(strings.ToLower(s), "%dx%d", &r.Width, &r.Height); err != nil {
		return Resolution{}, fmt.Errorf("%w: %q", ErrInvalidResolution, s)
	}
	if r.Width <= 0 || r.Height <= 0 {
		return Resolution{}, fmt.Errorf("%w: %q", ErrInvalidResolution, s)
	}
	return r, nil
}

// Area は画素数を返す
func (r Resolution) Area() int {
	return r.Width * r.Height
}

// ResolutionPolicy は解像度が未指定のときの既定解像度の選び方
type ResolutionPolicy string

const (
	PolicyFirst    ResolutionPolicy = "first"    // デバイスが最初に報告した解像度
	PolicyLargest  ResolutionPolicy = "largest"  // 最大の解像度
	PolicySmallest ResolutionPolicy = "smallest" // 最小の解像度
)

// Valid は既知のポリシーかどうかを返す
func (p ResolutionPolicy) Valid() bool {
	switch p {
	case PolicyFirst, PolicyLargest, PolicySmallest, "":
		return true
	}
	return false
}

// pick は候補の中からポリシーに従って解像度を選ぶ
func (p ResolutionPolicy) pick(candidates []Resolution) (Resolution, bool) {
	if len(candidates) == 0 {
		return Resolution{}, false
	}

	chosen := candidates[0]
	for _, r := range candidates[1:] {
		switch p {
		case PolicyLargest:
			if r.Area() > chosen.Area() {
				chosen = r
			}
		case PolicySmallest:
			if r.Area() < chosen.Area() {
				chosen = r
			}
		}
	}
	return chosen, true
}

func containsResolution(list []Resolution, r Resolution) bool {
	for _, c := range list {
		if c == r {
			return true
		}
	}
	return false
}
