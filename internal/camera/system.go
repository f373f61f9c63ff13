package camera

import (
	"context"
	"errors"
	"fmt"
)

// System はプロセス内で共有するキャプチャ基盤をまとめたもの
//
// Processor、Driver、Discoveryを一度だけ生成し、参照で受け渡す。
type System struct {
	Processor *Processor
	Driver    Driver
	Discovery *Discovery
}

// NewSystem はドライバーからSystemを組み立てる
func NewSystem(driver Driver, opts DiscoveryOptions) *System {
	proc := NewProcessor(entryOrDefault(opts.Logger).WithField("component", "processor"))
	return &System{
		Processor: proc,
		Driver:    driver,
		Discovery: NewDiscovery(driver, proc, opts),
	}
}

// Start はプロセッサーとデバイス検出を開始する
func (s *System) Start(ctx context.Context) error {
	s.Processor.Start()
	if err := s.Discovery.Start(ctx); err != nil {
		return fmt.Errorf("デバイス検出の開始に失敗: %w", err)
	}
	return nil
}

// Shutdown は全セッションを破棄し、プロセッサーを停止する
func (s *System) Shutdown(ctx context.Context) error {
	var errs []error
	if err := s.Discovery.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := s.Processor.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
