package display

import (
	"strings"

	"github.com/charmbracelet/x/ansi"
)

const upperHalfBlock = "▀"

// Fit returns the largest cell grid within cols x rows that keeps the
// framebuffer aspect ratio. Each cell covers two framebuffer rows.
func Fit(fbWidth, fbHeight, cols, rows int) (int, int) {
	if fbWidth <= 0 || fbHeight <= 0 || cols <= 0 || rows <= 0 {
		return 0, 0
	}
	// cols / (2*rows) == fbWidth / fbHeight
	if cols*fbHeight > 2*rows*fbWidth {
		cols = max(2*rows*fbWidth/fbHeight, 1)
	} else {
		rows = max(cols*fbHeight/(2*fbWidth), 1)
	}
	return cols, rows
}

func pixelColor(p uint32) ansi.RGBColor {
	return ansi.RGBColor{R: uint8(p >> 16), G: uint8(p >> 8), B: uint8(p)}
}

// Render samples fb (0x00RRGGBB pixels, row-major) into a cols x rows grid
// of half-block cells. Each line ends with a style reset and CRLF.
func Render(sb *strings.Builder, fb []uint32, fbWidth, fbHeight, cols, rows int) {
	if len(fb) < fbWidth*fbHeight || cols <= 0 || rows <= 0 {
		return
	}

	sample := func(cx, py int) uint32 {
		x := cx * fbWidth / cols
		y := py * fbHeight / (2 * rows)
		return fb[y*fbWidth+x]
	}

	for cy := 0; cy < rows; cy++ {
		var (
			lastTop, lastBottom uint32
			styled              bool
		)
		for cx := 0; cx < cols; cx++ {
			top := sample(cx, 2*cy)
			bottom := sample(cx, 2*cy+1)
			if !styled || top != lastTop || bottom != lastBottom {
				sb.WriteString(ansi.Style{}.
					ForegroundColor(pixelColor(top)).
					BackgroundColor(pixelColor(bottom)).
					String())
				lastTop, lastBottom, styled = top, bottom, true
			}
			sb.WriteString(upperHalfBlock)
		}
		sb.WriteString(ansi.ResetStyle)
		sb.WriteString("\r\n")
	}
}

// Frame composes a full screen: the framebuffer followed by the console
// lines, drawn from the home position.
func Frame(fb []uint32, fbWidth, fbHeight, cols, rows int, console []string) string {
	var sb strings.Builder
	sb.WriteString(ansi.CursorHomePosition)

	fc, fr := Fit(fbWidth, fbHeight, cols, rows-len(console))
	Render(&sb, fb, fbWidth, fbHeight, fc, fr)

	for _, line := range console {
		if ansi.StringWidth(line) > cols {
			line = ansi.Truncate(line, cols, "")
		}
		sb.WriteString(line)
		sb.WriteString(ansi.EraseLineRight)
		sb.WriteString("\r\n")
	}
	sb.WriteString(ansi.EraseScreenBelow)
	return sb.String()
}
