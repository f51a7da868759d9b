// Package prompt builds the generation and review prompts for each pipeline
// stage. Review prompts demand strict JSON so the verdict decoder can stay
// strict-first.
package prompt

import (
	"fmt"
	"strings"

	"thumbsmith/internal/geometry"
)

const verdictSchema = `Respond with STRICT JSON only, no prose, no markdown:
{"accept": <bool>, "reason": "<short explanation>", "correction": {"dx": <number>, "dy": <number>, "scale_multiplier": <number>, "revised_prompt": "<string>"}}
Omit "correction" entirely when accepting. Offsets are pixels on the reference canvas; scale_multiplier 1.0 means keep size.`

// Wardrobe builds the subject-adjustment prompt: re-style the presenter to
// match the episode context without touching identity. Revised prompts from
// earlier review rounds replace the default direction.
func Wardrobe(contextText string, revised string) string {
	if r := strings.TrimSpace(revised); r != "" {
		return identityLock() + "\n" + r
	}

	var b strings.Builder
	b.Grow(2048)

	b.WriteString("TASK: Adjust the presenter photo for a video preview image.\n\n")
	b.WriteString(identityLock())
	b.WriteString("\n")

	b.WriteString("DIRECTION:\n")
	for _, line := range []string{
		"Dress the presenter appropriately for the topic below; adjust wardrobe and backdrop only.",
		"Keep the face, hair, build, pose, and framing exactly as in the [subject] image.",
		"Studio-grade lighting, clean separation from the background.",
		"Leave generous empty space on the right side of the frame for an overlay element.",
	} {
		b.WriteString("- " + line + "\n")
	}
	b.WriteString("\n")

	if ctx := strings.TrimSpace(contextText); ctx != "" {
		b.WriteString("TOPIC:\n- " + ctx + "\n\n")
	}

	writeNegatives(&b)
	return strings.TrimSpace(b.String())
}

// ProductShot builds the object stage prompt: a clean, isolated shot of the
// object suitable for compositing as an overlay.
func ProductShot(contextText string, revised string) string {
	if r := strings.TrimSpace(revised); r != "" {
		return identityLock() + "\n" + r
	}

	var b strings.Builder
	b.Grow(2048)

	b.WriteString("TASK: Produce a clean product shot of the object for overlay compositing.\n\n")
	b.WriteString(identityLock())
	b.WriteString("\n")

	b.WriteString("DIRECTION:\n")
	for _, line := range []string{
		"The object from the [object] image, isolated on a plain uniform background.",
		"Front-facing hero angle, the whole object visible, nothing cropped.",
		"Soft key light, subtle natural shadow under the object.",
		"No props, no hands, no environment.",
	} {
		b.WriteString("- " + line + "\n")
	}
	b.WriteString("\n")

	if ctx := strings.TrimSpace(contextText); ctx != "" {
		b.WriteString("CONTEXT (mood reference only, do not add text):\n- " + ctx + "\n\n")
	}

	writeNegatives(&b)
	return strings.TrimSpace(b.String())
}

// ReviewWardrobe asks the reviewer to judge the adjusted presenter against
// the original subject.
func ReviewWardrobe(contextText string, attempt int) string {
	var b strings.Builder
	b.Grow(1024)

	fmt.Fprintf(&b, "You are reviewing attempt %d of an automated wardrobe adjustment.\n\n", attempt)
	b.WriteString("The [candidate] image should show the same person as the [subject] image, restyled for this topic: " + strings.TrimSpace(contextText) + "\n\n")
	b.WriteString("Reject when:\n")
	for _, line := range []string{
		"the face or identity differs from [subject]",
		"the wardrobe or backdrop does not fit the topic",
		"artifacts, warped anatomy, or added text are visible",
	} {
		b.WriteString("- " + line + "\n")
	}
	b.WriteString("\nWhen rejecting for style (not identity), include correction.revised_prompt with a better generation instruction.\n\n")
	b.WriteString(verdictSchema)
	return b.String()
}

// ReviewProduct judges the isolated object shot against the raw object photo.
func ReviewProduct(attempt int) string {
	var b strings.Builder
	b.Grow(1024)

	fmt.Fprintf(&b, "You are reviewing attempt %d of an automated product isolation.\n\n", attempt)
	b.WriteString("The [candidate] image should show exactly the object from the [object] image, isolated and clean.\n\n")
	b.WriteString("Reject when:\n")
	for _, line := range []string{
		"the object's shape, color, label, or branding differs from [object]",
		"the background is busy or the object is cropped",
		"any extra elements or text were invented",
	} {
		b.WriteString("- " + line + "\n")
	}
	b.WriteString("\nWhen rejecting, include correction.revised_prompt with a better generation instruction.\n\n")
	b.WriteString(verdictSchema)
	return b.String()
}

// ReviewComposite judges object placement on the composed image and asks for
// pixel offsets relative to the reference canvas when placement is off.
func ReviewComposite(placement geometry.Rect, refCanvas geometry.Size, attempt int) string {
	var b strings.Builder
	b.Grow(1024)

	fmt.Fprintf(&b, "You are reviewing attempt %d of an automated composite.\n\n", attempt)
	fmt.Fprintf(&b,
		"The [candidate] image is the [subject] image with the object from [object] composited at rectangle %s on a %.0fx%.0f reference canvas.\n\n",
		placement, refCanvas.W, refCanvas.H)
	b.WriteString("Reject when:\n")
	for _, line := range []string{
		"the object covers the presenter's face or body",
		"the object looks pasted: wrong scale, floating, hard edges, mismatched light",
		"the object overflows the frame or sits too close to an edge",
	} {
		b.WriteString("- " + line + "\n")
	}
	b.WriteString("\nWhen rejecting for placement, fill correction.dx/dy (pixels to move on the reference canvas, positive dx is right, positive dy is down) and correction.scale_multiplier.\n\n")
	b.WriteString(verdictSchema)
	return b.String()
}

func identityLock() string {
	var b strings.Builder
	b.WriteString("IDENTITY LOCK:\n")
	for _, line := range []string{
		"The attached reference images contain the real subject and object. This is an image-edit task.",
		"Preserve shape, proportions, materials, colors, faces, and all physical details exactly.",
		"Never substitute, redesign, or invent; if a detail is unclear, keep it as-is.",
		"If the reference has text/logo/label, keep it exactly; if it has none, add none.",
		"No captions, watermarks, or text overlays.",
	} {
		b.WriteString("- " + line + "\n")
	}
	return b.String()
}

func writeNegatives(b *strings.Builder) {
	b.WriteString("NEGATIVE PROMPT (avoid):\n")
	for _, line := range []string{
		"distorted face", "different person", "product substitution", "invented branding",
		"extra text overlays", "watermark", "low resolution", "blurry",
		"warped perspective", "letterbox", "border", "frame", "margin", "padding",
	} {
		b.WriteString("- " + line + "\n")
	}
}
