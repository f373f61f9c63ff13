// Package camera カメラデバイスの検出とキャプチャを担う
//
// # 責務
// - ネイティブキャプチャ操作の直列化（Processor / Task）
// - デバイス1台ごとの利用ライフサイクル管理（Session）
// - ホットプラグの検出とセッションの生成・破棄（Discovery）
// - ドライバーの実装（ダミー、V4L2）
//
// # 使い分け
// このパッケージは以下の場合に使用する：
// - 接続されたカメラを列挙し、抜き差しを検知したい
// - 複数のゴルーチンから安全にフレームを取得したい
// - スレッドセーフでないネイティブドライバーを扱いたい
//
// # 仕様
//   - Processor: 同期タスクを専用ゴルーチンで1件ずつ実行する。
//     スレッドセーフでないドライバーへの呼び出しは全てここを通る
//   - Session: CLOSED → OPENING → OPEN → CLOSING → CLOSED、DISPOSEDが終端。
//     オープン/クローズは並行に呼ばれても1回だけ実行される
//   - Discovery: デバイス名で差分を取り、接続/取り外しイベントを発行する。
//     同名のデバイスが複数ある場合はErrNamingConflict
//   - DeviceLock: 同一デバイスを複数プロセスで開かないためのロックファイル
//
// # 前提要件
//   - V4L2ドライバーはLinuxでのみ利用できる
//   - videoグループへの参加: デバイスアクセス権限
//     sudo usermod -a -G video $USER
package camera
