package main

import (
	"context"
	"fmt"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/mbaxter/diffuse/pkg/qmf"
)

func inspectCmd() *cli.Command {
	return &cli.Command{
		Name:      "inspect",
		Usage:     "Print the structure of a .qmf checkpoint",
		ArgsUsage: "<file.qmf>",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.Args().Len() != 1 {
				return cli.Exit("error: diffuse inspect takes exactly one .qmf file", 1)
			}
			path := cmd.Args().First()
			if !strings.HasSuffix(path, ".qmf") {
				return cli.Exit("error: diffuse inspect only supports .qmf files", 1)
			}

			f, err := qmf.Open(path)
			if err != nil {
				return err
			}
			defer func() { _ = f.Close() }()

			fmt.Printf("file:     %s\n", path)
			fmt.Printf("format:   QMF %d.%d\n", f.Header.Major, f.Header.Minor)
			fmt.Printf("flags:    0x%x\n", f.Header.Flags)
			fmt.Printf("sections: %d\n", len(f.Sections))
			for _, s := range f.Sections {
				fmt.Printf("  %-12s v%d  off=%d size=%d\n",
					qmf.SectionType(s.Type), s.Version, s.Offset, s.Size)
			}

			if s := f.Section(qmf.SectionModelInfo); s != nil {
				var info map[string]any
				if err := qmf.DecodeModelInfoSection(f.SectionData(s), &info); err != nil {
					return err
				}
				pretty, err := json.MarshalIndent(info, "", "  ")
				if err != nil {
					return err
				}
				fmt.Printf("\nmodel info:\n%s\n", pretty)
			}

			var qi *qmf.QuantInfo
			if s := f.Section(qmf.SectionQuantInfo); s != nil {
				qi, err = qmf.ParseQuantInfoSection(f.SectionData(s))
				if err != nil {
					return err
				}
			}

			if s := f.Section(qmf.SectionTensorIndex); s != nil {
				ti, err := qmf.ParseTensorIndexSection(f.SectionData(s))
				if err != nil {
					return err
				}
				fmt.Printf("\ntensors: %d\n", ti.Count())
				for i := 0; i < ti.Count(); i++ {
					name, err := ti.Name(i)
					if err != nil {
						return err
					}
					entry, err := ti.Entry(i)
					if err != nil {
						return err
					}
					shape, err := ti.Shape(i)
					if err != nil {
						return err
					}
					line := fmt.Sprintf("  %-28s %-8s shape=%v bytes=%d", name, entry.DType, shape, entry.DataSize)
					if qi != nil {
						if rec, ok := qi.ByTensorIndex(i); ok {
							if rec.BlockSize > 0 {
								line += fmt.Sprintf("  block=%d", rec.BlockSize)
							} else {
								line += fmt.Sprintf("  scale=%g", rec.Scale)
							}
						}
					}
					fmt.Println(line)
				}
			}
			return nil
		},
	}
}
