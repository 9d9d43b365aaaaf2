package service

import (
	"bytes"
	"context"
	"fmt"
	"listening_game_backend/internal/config"
	"listening_game_backend/internal/util"
	"listening_game_backend/pkg/monitoring"
	"listening_game_backend/pkg/tracing"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/aliyun/aliyun-oss-go-sdk/oss"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// StorageProvider 定义通用存储接口，key 为桶内相对路径
type StorageProvider interface {
	Exists(ctx context.Context, key string) (bool, error)
	Upload(ctx context.Context, key string, data []byte, contentType string) (string, error)
	SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error)
	Delete(ctx context.Context, key string) error
	GetURL(key string) string
}

// splitKey 拆出目录与文件名，存在性检查按目录列举后比对文件名
func splitKey(key string) (string, string) {
	dir, name := path.Split(key)
	return dir, name
}

// LocalStorageProvider 本地存储实现
type LocalStorageProvider struct {
	Config *config.StorageConfig
}

func (p *LocalStorageProvider) Exists(ctx context.Context, key string) (bool, error) {
	dir, name := splitKey(key)
	entries, err := os.ReadDir(filepath.Join(p.Config.LocalPath, filepath.FromSlash(dir)))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	for _, e := range entries {
		if !e.IsDir() && e.Name() == name {
			return true, nil
		}
	}
	return false, nil
}

func (p *LocalStorageProvider) Upload(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	dst := filepath.Join(p.Config.LocalPath, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return "", err
	}
	// 先写临时文件再改名，覆盖时读方不会看到半个文件
	tmp := dst + ".part"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return "", err
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return "", err
	}
	return p.GetURL(key), nil
}

func (p *LocalStorageProvider) SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	return p.GetURL(key), nil
}

func (p *LocalStorageProvider) Delete(ctx context.Context, key string) error {
	err := os.Remove(filepath.Join(p.Config.LocalPath, filepath.FromSlash(key)))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func (p *LocalStorageProvider) GetURL(key string) string {
	if p.Config.PublicBaseURL != "" {
		return strings.TrimRight(p.Config.PublicBaseURL, "/") + "/" + key
	}
	return "/uploads/" + key
}

// MinioStorageProvider MinIO存储实现，也用于任意 S3 兼容服务
type MinioStorageProvider struct {
	Config *config.StorageConfig
	Client *minio.Client
}

func NewMinioStorageProvider(cfg *config.StorageConfig) (*MinioStorageProvider, error) {
	endpoint := cfg.Endpoint
	secure := cfg.UseSSL
	if u, err := url.Parse(endpoint); err == nil && u.Host != "" {
		endpoint = u.Host
		secure = u.Scheme == "https"
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.ServiceKey, ""),
		Secure: secure,
	})
	if err != nil {
		return nil, err
	}
	return &MinioStorageProvider{Config: cfg, Client: client}, nil
}

func (p *MinioStorageProvider) Exists(ctx context.Context, key string) (bool, error) {
	dir, name := splitKey(key)
	// ListObjects 内部按页拉取，channel 关闭即列举结束
	for obj := range p.Client.ListObjects(ctx, p.Config.Bucket, minio.ListObjectsOptions{Prefix: dir}) {
		if obj.Err != nil {
			return false, obj.Err
		}
		if obj.Key == dir+name {
			return true, nil
		}
	}
	return false, nil
}

func (p *MinioStorageProvider) Upload(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	_, err := p.Client.PutObject(ctx, p.Config.Bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", err
	}
	return p.GetURL(key), nil
}

func (p *MinioStorageProvider) SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	u, err := p.Client.PresignedGetObject(ctx, p.Config.Bucket, key, ttl, url.Values{})
	if err != nil {
		return "", err
	}
	return u.String(), nil
}

func (p *MinioStorageProvider) Delete(ctx context.Context, key string) error {
	return p.Client.RemoveObject(ctx, p.Config.Bucket, key, minio.RemoveObjectOptions{})
}

func (p *MinioStorageProvider) GetURL(key string) string {
	if p.Config.PublicBaseURL != "" {
		return strings.TrimRight(p.Config.PublicBaseURL, "/") + "/" + key
	}
	return p.Client.EndpointURL().String() + "/" + p.Config.Bucket + "/" + key
}

// OSSStorageProvider 阿里云OSS存储实现
type OSSStorageProvider struct {
	Config *config.StorageConfig
	Client *oss.Client
}

func NewOSSStorageProvider(cfg *config.StorageConfig) (*OSSStorageProvider, error) {
	client, err := oss.New(cfg.Endpoint, cfg.AccessKey, cfg.ServiceKey)
	if err != nil {
		return nil, err
	}
	return &OSSStorageProvider{Config: cfg, Client: client}, nil
}

func (p *OSSStorageProvider) Exists(ctx context.Context, key string) (bool, error) {
	bucket, err := p.Client.Bucket(p.Config.Bucket)
	if err != nil {
		return false, err
	}
	dir, name := splitKey(key)
	token := ""
	for {
		opts := []oss.Option{oss.Prefix(dir), oss.MaxKeys(100)}
		if token != "" {
			opts = append(opts, oss.ContinuationToken(token))
		}
		res, err := bucket.ListObjectsV2(opts...)
		if err != nil {
			return false, err
		}
		for _, obj := range res.Objects {
			if obj.Key == dir+name {
				return true, nil
			}
		}
		if !res.IsTruncated {
			return false, nil
		}
		token = res.NextContinuationToken
	}
}

func (p *OSSStorageProvider) Upload(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	bucket, err := p.Client.Bucket(p.Config.Bucket)
	if err != nil {
		return "", err
	}

	err = bucket.PutObject(key, bytes.NewReader(data), oss.ContentType(contentType))
	if err != nil {
		return "", err
	}
	return p.GetURL(key), nil
}

func (p *OSSStorageProvider) SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	bucket, err := p.Client.Bucket(p.Config.Bucket)
	if err != nil {
		return "", err
	}
	return bucket.SignURL(key, oss.HTTPGet, int64(ttl.Seconds()))
}

func (p *OSSStorageProvider) Delete(ctx context.Context, key string) error {
	bucket, err := p.Client.Bucket(p.Config.Bucket)
	if err != nil {
		return err
	}
	return bucket.DeleteObject(key)
}

func (p *OSSStorageProvider) GetURL(key string) string {
	if p.Config.PublicBaseURL != "" {
		return strings.TrimRight(p.Config.PublicBaseURL, "/") + "/" + key
	}
	return fmt.Sprintf("https://%s.%s/%s", p.Config.Bucket, p.Config.Endpoint, key)
}

// StorageService 音频对象存储，屏蔽具体后端
type StorageService struct {
	Provider    StorageProvider
	AudioFormat string
}

func NewStorageService(cfg *config.Config) (*StorageService, error) {
	var (
		provider StorageProvider
		err      error
	)
	switch cfg.Storage.Type {
	case util.StorageMinio:
		provider, err = NewMinioStorageProvider(&cfg.Storage)
	case util.StorageOSS:
		provider, err = NewOSSStorageProvider(&cfg.Storage)
	case util.StorageLocal, "":
		provider = &LocalStorageProvider{Config: &cfg.Storage}
	default:
		err = fmt.Errorf("unknown storage type %q", cfg.Storage.Type)
	}
	if err != nil {
		return nil, err
	}

	format := cfg.Storage.AudioFormat
	if format == "" {
		format = util.DefaultAudioFormat
	}
	return &StorageService{Provider: provider, AudioFormat: format}, nil
}

// AudioKey 挑战音频的确定性路径：challenges-audio/{challenge_id}.{format}
func (s *StorageService) AudioKey(challengeID string) string {
	return util.ChallengeAudioPrefix + "/" + challengeID + "." + s.AudioFormat
}

func (s *StorageService) Exists(ctx context.Context, key string) (ok bool, err error) {
	ctx, span := tracing.StartSpan(ctx, "blob.exists", "key", key)
	defer func() { tracing.EndSpan(span, err) }()
	defer monitoring.ObserveExternal("blob", "exists", time.Now(), &err)

	return s.Provider.Exists(ctx, key)
}

// Upload 以 upsert 方式写入并返回可访问 URL
func (s *StorageService) Upload(ctx context.Context, key string, data []byte, contentType string) (u string, err error) {
	ctx, span := tracing.StartSpan(ctx, "blob.upload", "key", key)
	defer func() { tracing.EndSpan(span, err) }()
	defer monitoring.ObserveExternal("blob", "upload", time.Now(), &err)

	if contentType == "" {
		contentType = util.ContentTypeFor(key)
	}
	return s.Provider.Upload(ctx, key, data, contentType)
}

func (s *StorageService) SignedURL(ctx context.Context, key string, ttl time.Duration) (u string, err error) {
	defer monitoring.ObserveExternal("blob", "sign", time.Now(), &err)
	return s.Provider.SignedURL(ctx, key, ttl)
}

func (s *StorageService) Delete(ctx context.Context, key string) error {
	return s.Provider.Delete(ctx, key)
}

func (s *StorageService) GetURL(key string) string {
	return s.Provider.GetURL(key)
}
