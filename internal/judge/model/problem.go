package model

// TaskCacheMeta is the meta.json sidecar written alongside a materialized
// tasks/<task_id>/ directory. A cached directory is fresh iff its sidecar's
// ManifestHash matches the hash computed for the current manifest.
type TaskCacheMeta struct {
	TaskID       string `json:"task_id"`
	ManifestHash string `json:"manifest_hash"`
	DataPackKey  string `json:"data_pack_key"`
	DataPackHash string `json:"data_pack_hash"`
	UpdatedAt    int64  `json:"updated_at"`
}
