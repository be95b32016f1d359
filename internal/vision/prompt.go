package vision

import "strings"

const promptHeader = `This is a photo of Australian Cub Scout badges stored in an organizer box.

Australian Cub Scout badges include:
- OAS (Outdoor Adventure Skills) badges with stages 1-4 (Core: Bushcraft, Bushwalking, Pioneering; Specialist: Alpine, Aquatic, Boating, Cycling, Paddling, Vertical)
- Special Interest Area (SIA) badges (hexagonal, purple border): Adventure & Sport, Arts & Literature, Creating a Better World, Environment, Growth & Development, STEM & Innovation
- Milestone badges (circular): Milestone 1, 2, 3
- Achievement badges (various shapes): Art & Design, Entertainer, Handcraft, Musician, Athlete, Swimmer, etc.
- Peak Award: Grey Wolf Award
- Participation badges: Landcare, Local History, Waterwise, Their Service Our Heritage, etc.
`

const promptFooter = `
Please carefully identify each type of badge you see in the image and count how many of each type are present.

IMPORTANT: Provide your response in the following format, one badge per line:
Badge Name | Count | Confidence (high/medium/low)

Example:
OAS Bushcraft | 3 | high
Milestone 1 | 2 | medium
Arts & Literature SIA | 1 | high

If you cannot identify any badges clearly, respond with:
No badges detected | 0 | low
`

// BuildPrompt renders the recognition prompt with the known badge names.
func BuildPrompt(badgeNames []string) string {
	known := "various Australian Cub Scout badges"
	if len(badgeNames) > 0 {
		known = strings.Join(badgeNames, ", ")
	}

	var b strings.Builder
	b.WriteString(promptHeader)
	b.WriteString("\nKnown badge types in our database: ")
	b.WriteString(known)
	b.WriteString("\n")
	b.WriteString(promptFooter)
	return b.String()
}
