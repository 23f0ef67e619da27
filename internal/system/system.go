// Package system holds host-facing helpers: resource limits, ffmpeg
// detection and memory-aware sizing of the render worker budget.
package system

import (
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v3/mem"
)

// InitResourceLimits raises the open-file limit; long renders keep the
// decode pipe, the encode pipe and cache files open at once.
func InitResourceLimits() {
	var rLimit syscall.Rlimit
	err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &rLimit)
	if err != nil {
		log.Printf("[!] Could not read file limit: %v", err)
		return
	}

	rLimit.Cur = 2048
	if rLimit.Cur > rLimit.Max {
		rLimit.Cur = rLimit.Max
	}

	if err := syscall.Setrlimit(syscall.RLIMIT_NOFILE, &rLimit); err != nil {
		log.Printf("[!] Could not raise file limit: %v", err)
	}
}

var videoExtensions = []string{".mp4", ".mov", ".webm", ".mkv", ".avi", ".m4v"}

// FindLatestVideo returns the most recently modified video file in dir.
func FindLatestVideo(dir string) (string, error) {
	files, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}

	var latestFile string
	var latestTime time.Time

	for _, f := range files {
		if f.IsDir() {
			continue
		}
		name := strings.ToLower(f.Name())
		isVideo := false
		for _, ext := range videoExtensions {
			if strings.HasSuffix(name, ext) {
				isVideo = true
				break
			}
		}
		if !isVideo {
			continue
		}
		info, err := f.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(latestTime) {
			latestTime = info.ModTime()
			latestFile = filepath.Join(dir, f.Name())
		}
	}

	if latestFile == "" {
		return "", fmt.Errorf("no video files found in %s", dir)
	}
	return latestFile, nil
}

// CheckFFmpeg reports whether an ffmpeg binary is reachable.
func CheckFFmpeg() error {
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		return fmt.Errorf("ffmpeg not found in PATH: %w", err)
	}
	return nil
}

// GetBestH264Encoder probes ffmpeg for hardware H.264 encoders.
// Priority: VideoToolbox (macOS), NVENC (NVIDIA), then software libx264.
func GetBestH264Encoder() string {
	out, err := exec.Command("ffmpeg", "-hide_banner", "-encoders").CombinedOutput()
	if err != nil {
		return "libx264"
	}
	for _, enc := range []string{"h264_videotoolbox", "h264_nvenc"} {
		if strings.Contains(string(out), enc) {
			return enc
		}
	}
	return "libx264"
}

// DefaultQuality maps an encoder to its quality knob's sane default
// (CRF for x264/NVENC, bitrate units for VideoToolbox).
func DefaultQuality(encoderName string) int {
	switch encoderName {
	case "h264_videotoolbox":
		return 75
	case "h264_nvenc":
		return 28
	default:
		return 23
	}
}

// WorkerBudget bounds concurrent render jobs by CPU count and available
// memory. frameBytes is the per-job frame size; each job keeps a handful
// of frames in flight plus an ffmpeg process on both ends of the loop.
func WorkerBudget(frameBytes uint64) int {
	workers := runtime.NumCPU()
	if workers < 1 {
		workers = 1
	}
	vm, err := mem.VirtualMemory()
	if err != nil || frameBytes == 0 {
		return workers
	}
	perJob := frameBytes * 8
	byMem := int(vm.Available * 2 / 3 / perJob)
	if byMem < 1 {
		byMem = 1
	}
	if byMem < workers {
		return byMem
	}
	return workers
}
