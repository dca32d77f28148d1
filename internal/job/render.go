package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/bobbylastro/FFMPEG-Propre/internal/fetch"
	"github.com/bobbylastro/FFMPEG-Propre/internal/media"
	"github.com/bobbylastro/FFMPEG-Propre/internal/workspace"
)

// segmentName is the workspace file for the segment at index.
func segmentName(index int) string {
	return fmt.Sprintf("seg%03d.mp4", index+1)
}

// renderSegments renders one segment per image with bounded parallelism.
// Segments are stored by source index, so the returned slice is in slide
// order whatever order the renders finish in.
func (s *SlideshowService) renderSegments(ctx context.Context, j *Job, ws *workspace.Workspace, images []fetch.Asset) ([]Segment, *Error) {
	seconds := j.SecondsPerImage

	segments := make([]Segment, len(images))
	for i, img := range images {
		segments[i] = Segment{
			Index:     img.Index,
			Source:    img.SourceURL,
			ImagePath: img.LocalPath,
			Path:      ws.Path(segmentName(img.Index)),
			Duration:  seconds,
			Motion:    media.MotionForIndex(img.Index).String(),
			Status:    SegmentPending,
		}
	}
	j.SetSegments(slices.Clone(segments))
	s.save(ctx, j)

	var done atomic.Int32
	total := len(segments)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.renderConcurrency)

	for i := range segments {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			seg := segments[i]
			err := s.processor.RenderSegment(gctx, media.RenderSpec{
				ImagePath:  seg.ImagePath,
				OutputPath: seg.Path,
				Duration:   seg.Duration,
				Width:      s.width,
				Height:     s.height,
				FPS:        s.fps,
				Motion:     media.MotionForIndex(seg.Index),
			})
			if err != nil {
				// Renders cut short by another failure stay pending.
				if gctx.Err() == nil {
					seg.Status = SegmentFailed
					j.UpdateSegment(i, seg)
				}
				return newError(KindRender, seg.Source, seg.Index, err)
			}

			seg.Status = SegmentRendered
			segments[i] = seg
			j.UpdateSegment(i, seg)

			n := int(done.Add(1))
			j.UpdateProgress(progressAllocated + (progressRendered-progressAllocated)*n/total)
			s.logger.Debug("segment rendered",
				slog.String("job_id", j.ID),
				slog.Int("index", seg.Index),
				slog.Int("done", n),
				slog.Int("total", total),
			)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		var jobErr *Error
		if errors.As(err, &jobErr) {
			return nil, jobErr
		}
		return nil, newError(KindRender, "", noIndex, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, newError(KindRender, "", noIndex, err)
	}
	return segments, nil
}
