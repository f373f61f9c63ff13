// Package server は、カメラ操作のHTTP APIとイベント配信を提供します。
//
// ルーティングにはginを使い、リクエストは埋め込んだopenapi.yamlに対して
// kin-openapiで検証されます。パスパラメータの解析はoapi-codegenの
// ランタイムで行います。
//
// 責務:
//   - カメラ一覧と状態の取得、オープン・クローズ、解像度の変更
//   - スナップショット（JPEG）とMJPEGストリームの配信
//   - 動き検出の開始・停止と保存済みスナップショットの一覧
//   - WebSocketによる検出・セッション・動きイベントの配信
//
// シャットダウン時はストリームとWebSocketを先に終了させてから
// HTTPサーバーを停止します。
package server
