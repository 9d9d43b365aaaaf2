package util

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	ffmpeg "github.com/u2takey/ffmpeg-go"
)

// ConcatAudio 使用 ffmpeg concat demuxer 按顺序拼接多段音频，输出与输入同格式
func ConcatAudio(parts [][]byte, format string) ([]byte, error) {
	if len(parts) == 0 {
		return nil, fmt.Errorf("no audio parts to concatenate")
	}
	if len(parts) == 1 {
		return parts[0], nil
	}

	dir, err := os.MkdirTemp("", "tts-concat-*")
	if err != nil {
		return nil, fmt.Errorf("创建临时目录失败: %v", err)
	}
	defer os.RemoveAll(dir)

	var list strings.Builder
	for i, p := range parts {
		name := filepath.Join(dir, fmt.Sprintf("part_%03d.%s", i, format))
		if err := os.WriteFile(name, p, 0o600); err != nil {
			return nil, fmt.Errorf("写入音频片段失败: %v", err)
		}
		fmt.Fprintf(&list, "file '%s'\n", filepath.ToSlash(name))
	}

	listPath := filepath.Join(dir, "list.txt")
	if err := os.WriteFile(listPath, []byte(list.String()), 0o600); err != nil {
		return nil, fmt.Errorf("写入拼接列表失败: %v", err)
	}

	outPath := filepath.Join(dir, "out."+format)
	err = ffmpeg.Input(listPath, ffmpeg.KwArgs{
		"f":    "concat",
		"safe": "0",
	}).
		Output(outPath, ffmpeg.KwArgs{
			"c": "copy",
		}).
		OverWriteOutput().
		Run()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg 拼接失败: %v", err)
	}

	return os.ReadFile(outPath)
}

// GetFFmpegVersion 获取FFmpeg版本信息，用于检查FFmpeg是否正确安装
func GetFFmpegVersion() (string, error) {
	// 使用标准库os/exec直接调用ffmpeg命令，因为ffmpeg-go库没有NewCommand方法
	cmd := exec.Command("ffmpeg", "-version", "-hide_banner")
	var out bytes.Buffer
	var errOut bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errOut

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("获取FFmpeg版本失败，请确保FFmpeg已正确安装: %v, %s", err, errOut.String())
	}

	return out.String(), nil
}
