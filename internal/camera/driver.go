package camera

import (
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"
)

// DriverType はドライバーの種別
type DriverType string

const (
	// DriverDummy は合成フレームを生成するダミードライバー
	DriverDummy DriverType = "dummy"
	// DriverV4L2 はLinuxのV4L2デバイスを扱うドライバー
	DriverV4L2 DriverType = "v4l2"
)

// DriverConfig はドライバー作成設定
type DriverConfig struct {
	DummyCount  int      // ダミーデバイスの台数
	DevicePaths []string // V4L2で検索するパターン（空の場合は /dev/video*）
	Logger      *logrus.Entry
}

// DriverCreator はドライバー作成関数の型
type DriverCreator func(config DriverConfig) (Driver, error)

// DriverFactory はドライバー種別から実装を作成する
type DriverFactory struct {
	creators map[DriverType]DriverCreator
}

// NewDriverFactory は標準のドライバーを登録したファクトリーを作成する
func NewDriverFactory() *DriverFactory {
	f := &DriverFactory{creators: make(map[DriverType]DriverCreator)}

	f.Register(DriverDummy, func(config DriverConfig) (Driver, error) {
		return NewDummyDriver(config.DummyCount), nil
	})
	f.Register(DriverV4L2, NewV4L2Driver)

	return f
}

// Register はドライバー作成関数を登録する
func (f *DriverFactory) Register(t DriverType, creator DriverCreator) {
	f.creators[t] = creator
}

// Create はドライバーを作成する
func (f *DriverFactory) Create(t DriverType, config DriverConfig) (Driver, error) {
	creator, ok := f.creators[t]
	if !ok {
		return nil, fmt.Errorf("サポートされていないドライバー: %s", t)
	}
	return creator(config)
}

// SupportedTypes は登録済みのドライバー種別を返す
func (f *DriverFactory) SupportedTypes() []DriverType {
	types := make([]DriverType, 0, len(f.creators))
	for t := range f.creators {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}
