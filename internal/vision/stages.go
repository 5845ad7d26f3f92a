package vision

import (
	"github.com/sentryview/sentryview/internal/media"
)

// Fixed subject framing applied before compositing, regardless of the native
// camera aspect. Values are empirical: 1.35x zoom with the crop window
// shifted slightly above centre so the subject's head stays framed.
const (
	subjectZoom         = 1.35
	subjectVerticalBias = 0.35
)

// Each stage is a pure function from (frame, config) to frame so the
// pipeline stays independent of any particular drawing API.

// ZoomFrame crops the centre window implied by the fixed zoom/offset
// transform and scales it back to the full frame size.
func ZoomFrame(frame media.Frame) media.Frame {
	if frame.Empty() {
		return frame
	}

	cropW := int(float64(frame.Width) / subjectZoom)
	cropH := int(float64(frame.Height) / subjectZoom)
	left := (frame.Width - cropW) / 2
	top := int(float64(frame.Height-cropH) * subjectVerticalBias)

	out := media.Frame{Width: frame.Width, Height: frame.Height, RGBA: make([]byte, len(frame.RGBA)), CapturedAt: frame.CapturedAt}
	for y := 0; y < frame.Height; y++ {
		srcY := top + y*cropH/frame.Height
		for x := 0; x < frame.Width; x++ {
			srcX := left + x*cropW/frame.Width
			src := (srcY*frame.Width + srcX) * 4
			dst := (y*frame.Width + x) * 4
			copy(out.RGBA[dst:dst+4], frame.RGBA[src:src+4])
		}
	}
	return out
}

// ZoomMask applies the same fixed transform to a mask so it stays aligned
// with its zoomed frame.
func ZoomMask(mask Mask) Mask {
	if mask.Empty() {
		return mask
	}

	cropW := int(float64(mask.Width) / subjectZoom)
	cropH := int(float64(mask.Height) / subjectZoom)
	left := (mask.Width - cropW) / 2
	top := int(float64(mask.Height-cropH) * subjectVerticalBias)

	out := Mask{Width: mask.Width, Height: mask.Height, Alpha: make([]byte, len(mask.Alpha))}
	for y := 0; y < mask.Height; y++ {
		srcY := top + y*cropH/mask.Height
		for x := 0; x < mask.Width; x++ {
			srcX := left + x*cropW/mask.Width
			out.Alpha[y*mask.Width+x] = mask.Alpha[srcY*mask.Width+srcX]
		}
	}
	return out
}

// FeatherMask softens mask edges with a small separable box blur so the
// subject cut-out does not show a hard fringe.
func FeatherMask(mask Mask, radius int) Mask {
	if mask.Empty() || radius <= 0 {
		return mask
	}

	horizontal := make([]byte, len(mask.Alpha))
	for y := 0; y < mask.Height; y++ {
		row := y * mask.Width
		for x := 0; x < mask.Width; x++ {
			sum, count := 0, 0
			for dx := -radius; dx <= radius; dx++ {
				sx := x + dx
				if sx < 0 || sx >= mask.Width {
					continue
				}
				sum += int(mask.Alpha[row+sx])
				count++
			}
			horizontal[row+x] = byte(sum / count)
		}
	}

	out := Mask{Width: mask.Width, Height: mask.Height, Alpha: make([]byte, len(mask.Alpha))}
	for y := 0; y < mask.Height; y++ {
		for x := 0; x < mask.Width; x++ {
			sum, count := 0, 0
			for dy := -radius; dy <= radius; dy++ {
				sy := y + dy
				if sy < 0 || sy >= mask.Height {
					continue
				}
				sum += int(horizontal[sy*mask.Width+x])
				count++
			}
			out.Alpha[y*mask.Width+x] = byte(sum / count)
		}
	}
	return out
}

// BlurFrame applies a separable box blur at the supplied radius.
func BlurFrame(frame media.Frame, radius int) media.Frame {
	if frame.Empty() || radius <= 0 {
		return frame
	}

	horizontal := make([]byte, len(frame.RGBA))
	for y := 0; y < frame.Height; y++ {
		for x := 0; x < frame.Width; x++ {
			var sum [4]int
			count := 0
			for dx := -radius; dx <= radius; dx++ {
				sx := x + dx
				if sx < 0 || sx >= frame.Width {
					continue
				}
				idx := (y*frame.Width + sx) * 4
				for c := 0; c < 4; c++ {
					sum[c] += int(frame.RGBA[idx+c])
				}
				count++
			}
			dst := (y*frame.Width + x) * 4
			for c := 0; c < 4; c++ {
				horizontal[dst+c] = byte(sum[c] / count)
			}
		}
	}

	out := media.Frame{Width: frame.Width, Height: frame.Height, RGBA: make([]byte, len(frame.RGBA)), CapturedAt: frame.CapturedAt}
	for y := 0; y < frame.Height; y++ {
		for x := 0; x < frame.Width; x++ {
			var sum [4]int
			count := 0
			for dy := -radius; dy <= radius; dy++ {
				sy := y + dy
				if sy < 0 || sy >= frame.Height {
					continue
				}
				idx := (sy*frame.Width + x) * 4
				for c := 0; c < 4; c++ {
					sum[c] += int(frame.RGBA[idx+c])
				}
				count++
			}
			dst := (y*frame.Width + x) * 4
			for c := 0; c < 4; c++ {
				out.RGBA[dst+c] = byte(sum[c] / count)
			}
		}
	}
	return out
}

// ScaleFrame resizes a frame to the requested geometry with nearest-neighbour
// sampling. Used to fit configured background images to the camera frame.
func ScaleFrame(frame media.Frame, width, height int) media.Frame {
	if frame.Empty() || width <= 0 || height <= 0 {
		return frame
	}
	if frame.Width == width && frame.Height == height {
		return frame
	}

	out := media.Frame{Width: width, Height: height, RGBA: make([]byte, width*height*4), CapturedAt: frame.CapturedAt}
	for y := 0; y < height; y++ {
		srcY := y * frame.Height / height
		for x := 0; x < width; x++ {
			srcX := x * frame.Width / width
			src := (srcY*frame.Width + srcX) * 4
			dst := (y*width + x) * 4
			copy(out.RGBA[dst:dst+4], frame.RGBA[src:src+4])
		}
	}
	return out
}

// BlendWithMask composites the subject frame over a background frame using
// the mask as per-pixel coverage. Subject and background must share geometry.
func BlendWithMask(subject media.Frame, background media.Frame, mask Mask) media.Frame {
	if subject.Empty() || background.Empty() || mask.Empty() {
		return subject
	}
	if background.Width != subject.Width || background.Height != subject.Height {
		background = ScaleFrame(background, subject.Width, subject.Height)
	}

	out := media.Frame{Width: subject.Width, Height: subject.Height, RGBA: make([]byte, len(subject.RGBA)), CapturedAt: subject.CapturedAt}
	for i := 0; i < subject.Width*subject.Height; i++ {
		alpha := int(mask.Alpha[i])
		inv := 255 - alpha
		px := i * 4
		for c := 0; c < 3; c++ {
			out.RGBA[px+c] = byte((int(subject.RGBA[px+c])*alpha + int(background.RGBA[px+c])*inv) / 255)
		}
		out.RGBA[px+3] = 0xff
	}
	return out
}
