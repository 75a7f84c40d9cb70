// SPDX-License-Identifier: MIT

// Package container implements merge_segments, fast_trim, and duration_us
// over this engine's own container format ("LCS1"): a sequence of
// length-prefixed Opus frames with per-frame presentation timestamps,
// closed with a footer that makes duration_us O(1) for sealed files. No
// suitable mp4/wav-muxing library was available to build this on, so it
// is the one component built directly on the standard library rather
// than a third-party codec/container library — see DESIGN.md for the
// full justification.
package container

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

const (
	magic       = "LCS1"
	footerMagic = "LCSX"
	headerSize  = 4 + 1 + 4 + 1 + 1 // magic + version + sampleRate + channels + codec
	footerSize  = 8 + 4 + 4         // totalDurationUs + frameCount + footerMagic

	// CodecOpus is the only codec this container currently carries.
	CodecOpus byte = 1

	flagKey     byte = 1 << 0
	flagPartial byte = 1 << 1
)

// Format describes the single audio track a container file holds.
type Format struct {
	SampleRate int
	Channels   int
	Codec      byte
}

// Frame is one encoded audio frame with its presentation timestamp,
// relative to the start of whatever artifact it ends up in.
type Frame struct {
	PTSUs      int64
	DurationUs int64
	Key        bool
	Partial    bool
	Payload    []byte
}

// Writer appends frames to a sealed-on-Close container file.
type Writer struct {
	f             *os.File
	w             *bufio.Writer
	format        Format
	totalDuration int64
	frameCount    uint32
	closed        bool
}

// Create opens a new container file at path for writing.
func Create(path string, format Format) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644) // #nosec G304 -- path built from session-owned directory
	if err != nil {
		return nil, fmt.Errorf("failed to create container file: %w", err)
	}
	w := &Writer{f: f, w: bufio.NewWriter(f), format: format}
	if err := w.writeHeader(); err != nil {
		_ = f.Close()
		return nil, err
	}
	return w, nil
}

func (w *Writer) writeHeader() error {
	var buf [headerSize]byte
	copy(buf[0:4], magic)
	buf[4] = 1
	binary.BigEndian.PutUint32(buf[5:9], uint32(w.format.SampleRate))
	buf[9] = byte(w.format.Channels)
	buf[10] = w.format.Codec
	_, err := w.w.Write(buf[:])
	return err
}

// WriteFrame appends one encoded frame.
func (w *Writer) WriteFrame(fr Frame) error {
	if w.closed {
		return fmt.Errorf("write to closed container")
	}
	var flags byte
	if fr.Key {
		flags |= flagKey
	}
	if fr.Partial {
		flags |= flagPartial
	}
	var hdr [21]byte
	binary.BigEndian.PutUint64(hdr[0:8], uint64(fr.PTSUs))
	binary.BigEndian.PutUint64(hdr[8:16], uint64(fr.DurationUs))
	hdr[16] = flags
	binary.BigEndian.PutUint32(hdr[17:21], uint32(len(fr.Payload)))
	if _, err := w.w.Write(hdr[:]); err != nil {
		return fmt.Errorf("failed to write frame header: %w", err)
	}
	if _, err := w.w.Write(fr.Payload); err != nil {
		return fmt.Errorf("failed to write frame payload: %w", err)
	}
	w.totalDuration = fr.PTSUs + fr.DurationUs
	w.frameCount++
	return nil
}

// FrameCount returns how many frames have been written so far.
func (w *Writer) FrameCount() uint32 { return w.frameCount }

// Duration returns the running total duration written so far, in
// microseconds.
func (w *Writer) Duration() int64 { return w.totalDuration }

// Close writes the footer and seals the file, returning its final size.
func (w *Writer) Close() (sizeBytes int64, err error) {
	if w.closed {
		return 0, fmt.Errorf("container already closed")
	}
	w.closed = true

	var foot [footerSize]byte
	binary.BigEndian.PutUint64(foot[0:8], uint64(w.totalDuration))
	binary.BigEndian.PutUint32(foot[8:12], w.frameCount)
	copy(foot[12:16], footerMagic)
	if _, err := w.w.Write(foot[:]); err != nil {
		_ = w.f.Close()
		return 0, fmt.Errorf("failed to write container footer: %w", err)
	}
	if err := w.w.Flush(); err != nil {
		_ = w.f.Close()
		return 0, fmt.Errorf("failed to flush container: %w", err)
	}
	if err := w.f.Sync(); err != nil {
		_ = w.f.Close()
		return 0, fmt.Errorf("failed to sync container: %w", err)
	}
	info, err := w.f.Stat()
	if err != nil {
		_ = w.f.Close()
		return 0, fmt.Errorf("failed to stat container: %w", err)
	}
	if err := w.f.Close(); err != nil {
		return 0, fmt.Errorf("failed to close container: %w", err)
	}
	return info.Size(), nil
}

// Abort closes the file without writing a footer, for a segment that never
// received any frames.
func (w *Writer) Abort() error {
	if w.closed {
		return nil
	}
	w.closed = true
	_ = w.w.Flush()
	return w.f.Close()
}

// ReadAll reads the full track format and frame list from a sealed
// container file. Used by the merger and finalizer; not intended for
// hot-path streaming reads.
func ReadAll(path string) (Format, []Frame, error) {
	f, err := os.Open(path) // #nosec G304 -- path built from session-owned directory
	if err != nil {
		return Format{}, nil, fmt.Errorf("failed to open container file: %w", err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var hdr [headerSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Format{}, nil, fmt.Errorf("failed to read container header: %w", err)
	}
	if string(hdr[0:4]) != magic {
		return Format{}, nil, fmt.Errorf("not a loopcast container file")
	}
	format := Format{
		SampleRate: int(binary.BigEndian.Uint32(hdr[5:9])),
		Channels:   int(hdr[9]),
		Codec:      hdr[10],
	}

	var frames []Frame
	for {
		var fhdr [21]byte
		if _, err := io.ReadFull(r, fhdr[:]); err != nil {
			if err == io.EOF {
				break
			}
			// A short read here is the footer or EOF; either way frames are done.
			break
		}
		if string(fhdr[:4]) == footerMagic[:4] {
			break
		}
		length := binary.BigEndian.Uint32(fhdr[17:21])
		payload := make([]byte, length)
		if _, err := io.ReadFull(r, payload); err != nil {
			return format, frames, fmt.Errorf("truncated frame payload: %w", err)
		}
		frames = append(frames, Frame{
			PTSUs:      int64(binary.BigEndian.Uint64(fhdr[0:8])),
			DurationUs: int64(binary.BigEndian.Uint64(fhdr[8:16])),
			Key:        fhdr[16]&flagKey != 0,
			Partial:    fhdr[16]&flagPartial != 0,
			Payload:    payload,
		})
	}
	return format, frames, nil
}

// DurationUs is a best-effort duration probe. It reads the footer written
// by Writer.Close when present, falling back to a full frame scan for
// files that were never sealed cleanly (e.g. a crash mid-segment).
func DurationUs(path string) (int64, error) {
	f, err := os.Open(path) // #nosec G304 -- path built from session-owned directory
	if err != nil {
		return 0, fmt.Errorf("failed to open container file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("failed to stat container file: %w", err)
	}
	if info.Size() >= headerSize+footerSize {
		var foot [footerSize]byte
		if _, err := f.ReadAt(foot[:], info.Size()-footerSize); err == nil {
			if string(foot[12:16]) == footerMagic {
				return int64(binary.BigEndian.Uint64(foot[0:8])), nil
			}
		}
	}

	_, frames, err := ReadAll(path)
	if err != nil {
		return 0, err
	}
	if len(frames) == 0 {
		return 0, nil
	}
	last := frames[len(frames)-1]
	return last.PTSUs + last.DurationUs, nil
}

// Probe performs a best-effort decodability check on a sealed container
// file: the header must carry the magic and a recognized codec, and the
// frame stream must parse to completion (every length-prefixed frame
// readable in full) with at least one frame present. It does not decode
// Opus payloads themselves, only the container framing around them, which
// is enough to catch truncation from a crash mid-write.
func Probe(path string) error {
	format, frames, err := ReadAll(path)
	if err != nil {
		return fmt.Errorf("probe: %w", err)
	}
	if format.Codec != CodecOpus {
		return fmt.Errorf("probe: unrecognized codec %d", format.Codec)
	}
	if len(frames) == 0 {
		return fmt.Errorf("probe: no frames")
	}
	return nil
}

// MergeSegments concatenates the audio tracks of paths, in order, into a
// new container file at outPath, rebasing presentation timestamps to a
// running offset equal to the cumulative duration of prior segments.
func MergeSegments(paths []string, outPath string) error {
	return mergeInto(nil, paths, outPath)
}

// AppendSegments writes the frames of newPaths to out, after whatever
// frames the caller has already written there, offsetting their
// timestamps so they continue from existingDurationUs. Each segment's codec
// and sample rate must match existingFormat. It is the building block of
// the merger's append strategy; when the previous artifact's segment list
// is not a prefix of the window, internal/merge rebuilds with
// MergeSegments instead.
func AppendSegments(existingFormat Format, existingDurationUs int64, newPaths []string, out *Writer) error {
	offset := existingDurationUs
	for _, p := range newPaths {
		format, frames, err := ReadAll(p)
		if err != nil {
			return fmt.Errorf("append: reading %s: %w", p, err)
		}
		if format.Codec != existingFormat.Codec || format.SampleRate != existingFormat.SampleRate {
			return fmt.Errorf("append: %s has incompatible track format", p)
		}
		for _, fr := range frames {
			fr.PTSUs += offset
			if err := out.WriteFrame(fr); err != nil {
				return fmt.Errorf("append: writing frame from %s: %w", p, err)
			}
		}
	}
	return nil
}

func mergeInto(prefixFrames []Frame, paths []string, outPath string) error {
	if len(paths) == 0 {
		return fmt.Errorf("merge: no segments given")
	}

	var format Format
	var allFrames []Frame
	allFrames = append(allFrames, prefixFrames...)

	var offset int64
	if len(prefixFrames) > 0 {
		last := prefixFrames[len(prefixFrames)-1]
		offset = last.PTSUs + last.DurationUs
	}

	for i, p := range paths {
		fFormat, frames, err := ReadAll(p)
		if err != nil {
			return fmt.Errorf("merge: reading %s: %w", p, err)
		}
		if i == 0 && len(prefixFrames) == 0 {
			if len(frames) == 0 {
				return fmt.Errorf("merge: no audio track found in %s", p)
			}
			format = fFormat
		}
		for _, fr := range frames {
			fr.PTSUs += offset
			allFrames = append(allFrames, fr)
		}
		if n := len(allFrames); n > 0 {
			offset = allFrames[n-1].PTSUs + allFrames[n-1].DurationUs
		}
	}
	return writeAll(format, allFrames, outPath)
}

func writeAll(format Format, frames []Frame, outPath string) error {
	w, err := Create(outPath, format)
	if err != nil {
		return err
	}
	for _, fr := range frames {
		if err := w.WriteFrame(fr); err != nil {
			_ = w.Abort()
			return err
		}
	}
	if _, err := w.Close(); err != nil {
		return err
	}
	return nil
}

// FastTrim copies frames whose interval overlaps [startUs, endUs) from
// inPath into a new container at outPath, seeking to the nearest frame at
// or before startUs (every Opus frame in this container is independently
// decodable, so "nearest sync sample" is just "nearest frame") and
// rebasing timestamps so the output starts at 0.
func FastTrim(inPath, outPath string, startUs, endUs int64) error {
	format, frames, err := ReadAll(inPath)
	if err != nil {
		return fmt.Errorf("fast_trim: %w", err)
	}

	var syncIdx = -1
	for i, fr := range frames {
		if fr.PTSUs <= startUs {
			syncIdx = i
		} else {
			break
		}
	}
	if syncIdx == -1 {
		syncIdx = 0
	}

	var kept []Frame
	base := int64(-1)
	for _, fr := range frames[syncIdx:] {
		if fr.PTSUs >= endUs {
			break
		}
		if fr.PTSUs+fr.DurationUs <= startUs {
			continue
		}
		if base < 0 {
			base = fr.PTSUs
		}
		fr.PTSUs -= base
		kept = append(kept, fr)
	}
	if len(kept) == 0 {
		return fmt.Errorf("fast_trim: no frames in [%d,%d)", startUs, endUs)
	}
	return writeAll(format, kept, outPath)
}
