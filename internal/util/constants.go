package util

const (
	StorageLocal = "local"
	StorageMinio = "minio"
	StorageOSS   = "oss"
)

const (
	MimeAudio       = "audio/"
	MimeOctetStream = "application/octet-stream"
)

// 挑战音频在对象存储中的目录
const ChallengeAudioPrefix = "challenges-audio"

const DefaultAudioFormat = "mp3"
