package ui

import "github.com/fatih/color"

var (
	SectionHeaderColor = color.New(color.BgHiBlue, color.FgHiWhite, color.Bold)

	SucceededColor = color.New(color.FgHiGreen)
	FailedColor    = color.New(color.FgHiRed)
	SkippedColor   = color.New(color.FgHiBlack)
	WarningColor   = color.New(color.FgHiYellow)
	InfoColor      = color.New(color.FgHiCyan)
)
