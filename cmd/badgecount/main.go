package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/warrencammack/Scouts-InventoryOrder-sub000/internal"
	"github.com/warrencammack/Scouts-InventoryOrder-sub000/internal/catalog"
	"github.com/warrencammack/Scouts-InventoryOrder-sub000/internal/config"
	"github.com/warrencammack/Scouts-InventoryOrder-sub000/internal/intake"
	"github.com/warrencammack/Scouts-InventoryOrder-sub000/internal/inventory"
	"github.com/warrencammack/Scouts-InventoryOrder-sub000/internal/lock"
	"github.com/warrencammack/Scouts-InventoryOrder-sub000/internal/pipeline"
	"github.com/warrencammack/Scouts-InventoryOrder-sub000/internal/storage"
	"github.com/warrencammack/Scouts-InventoryOrder-sub000/internal/util"
	"github.com/warrencammack/Scouts-InventoryOrder-sub000/internal/vision"
)

func main() {
	cfg, err := config.Load()
	must(err)
	config.SetupLogging(cfg)

	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	db, err := storage.Open(cfg.DBPath)
	must(err)
	defer db.Close()

	ctx := context.Background()
	cmd := os.Args[1]
	switch cmd {
	case "catalog:load":
		fs := flag.NewFlagSet(cmd, flag.ExitOnError)
		path := fs.String("file", "", "badge list json (default CATALOG_PATH)")
		urls := fs.String("urls", "", "purchase url map json (default CATALOG_URLS_PATH)")
		clearFirst := fs.Bool("clear", false, "remove the existing catalog first")
		threshold := fs.Int("threshold", 0, "reorder threshold for new inventory rows")
		_ = fs.Parse(os.Args[2:])
		res, err := catalog.NewLoadService(db, cfg).Load(ctx, catalog.LoadOptions{Path: *path, URLsPath: *urls, Clear: *clearFirst, Threshold: *threshold})
		must(err)
		fmt.Printf("catalog loaded badges=%d inventory_created=%d with_url=%d\n", res.Badges, res.InventoryCreated, res.WithURL)

	case "scan:create":
		fs := flag.NewFlagSet(cmd, flag.ExitOnError)
		_ = fs.Parse(os.Args[2:])
		scan, err := intake.NewStore(db, cfg).CreateScan(ctx, fs.Args())
		must(err)
		fmt.Printf("scan created id=%d images=%d\n", scan.ID, scan.TotalImages)

	case "scan:process":
		fs := flag.NewFlagSet(cmd, flag.ExitOnError)
		scanID := fs.Int64("scan", 0, "scan id")
		_ = fs.Parse(os.Args[2:])
		requireScan(*scanID)

		abandon := make(chan struct{})
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		go func() {
			<-sig
			fmt.Println("cancelling: waiting for images in flight")
			close(abandon)
		}()

		orch := pipeline.NewOrchestrator(db, cfg, vision.NewClient(cfg))
		res, err := orch.Run(ctx, *scanID, abandon)
		must(err)
		fmt.Printf("scan %d %s succeeded=%d failed=%d cancelled=%d detections=%d\n",
			res.ScanID, res.Status, res.Succeeded, res.Failed, res.Cancelled, res.Detections)

	case "scan:status":
		fs := flag.NewFlagSet(cmd, flag.ExitOnError)
		scanID := fs.Int64("scan", 0, "scan id")
		_ = fs.Parse(os.Args[2:])
		requireScan(*scanID)
		v, err := pipeline.NewScanService(db, cfg, nil).GetStatus(ctx, *scanID)
		must(err)
		fmt.Printf("scan %d %s %d/%d processed, %d failed (%.1f%%)\n",
			v.ScanID, v.Status, v.ProcessedImages, v.TotalImages, v.FailedImages, v.ProgressPercent)
		if v.ProgressMessage != nil {
			fmt.Printf("  %s\n", *v.ProgressMessage)
		}
		if v.ErrorMessage != nil {
			fmt.Printf("  error: %s\n", *v.ErrorMessage)
		}

	case "scan:detections":
		fs := flag.NewFlagSet(cmd, flag.ExitOnError)
		scanID := fs.Int64("scan", 0, "scan id")
		_ = fs.Parse(os.Args[2:])
		requireScan(*scanID)
		detail, err := pipeline.NewScanService(db, cfg, nil).GetDetections(ctx, *scanID)
		must(err)
		for _, d := range detail.Detections {
			badge := "-"
			if d.Resolution.BadgeID != "" {
				badge = d.Resolution.BadgeID
			}
			mark := " "
			if d.Verified {
				mark = "x"
			}
			fmt.Printf("[%s] %6d  img=%d  qty=%d  %-30q -> %-24s %5.1f %s\n",
				mark, d.ID, d.ImageID, d.Quantity, d.RawName, badge, d.Confidence, d.Band)
		}
		fmt.Printf("%d detections\n", len(detail.Detections))

	case "scan:review":
		fs := flag.NewFlagSet(cmd, flag.ExitOnError)
		scanID := fs.Int64("scan", 0, "scan id")
		file := fs.String("file", "", "json array of {detectionId, verified, correctedBadgeId}")
		verifyAuto := fs.Bool("verify-auto", false, "verify every detection in the auto band")
		_ = fs.Parse(os.Args[2:])
		requireScan(*scanID)
		svc := pipeline.NewScanService(db, cfg, nil)

		var decisions []pipeline.ReviewDecision
		switch {
		case *file != "":
			data, err := os.ReadFile(*file)
			must(err)
			must(json.Unmarshal(data, &decisions))
		case *verifyAuto:
			detail, err := svc.GetDetections(ctx, *scanID)
			must(err)
			for _, d := range detail.Detections {
				if d.Band == internal.BandAuto && d.Resolution.Kind != internal.Unmatched {
					decisions = append(decisions, pipeline.ReviewDecision{DetectionID: d.ID, Verified: true})
				}
			}
		default:
			must(fmt.Errorf("--file or --verify-auto is required"))
		}
		must(svc.SubmitReview(ctx, *scanID, decisions))
		fmt.Printf("review saved scan=%d decisions=%d\n", *scanID, len(decisions))

	case "scan:reconcile":
		fs := flag.NewFlagSet(cmd, flag.ExitOnError)
		scanID := fs.Int64("scan", 0, "scan id")
		preview := fs.Bool("preview", false, "show the changes without applying them")
		_ = fs.Parse(os.Args[2:])
		requireScan(*scanID)
		engine, closeLocks := newEngine(ctx, cfg, db)
		defer closeLocks()

		if *preview {
			lines, err := engine.Preview(ctx, *scanID)
			must(err)
			for _, l := range lines {
				note := ""
				if l.AlreadyApplied {
					note = " (already applied)"
				}
				fmt.Printf("%-24s %4d %+4d -> %4d%s\n", l.BadgeID, l.Current, l.Delta, l.New, note)
			}
			return
		}
		res, err := engine.Reconcile(ctx, *scanID)
		must(err)
		for _, a := range res.Adjustments {
			fmt.Printf("%-24s %4d %+4d -> %4d\n", a.BadgeID, a.PreviousQuantity, a.QuantityChange, a.NewQuantity)
		}
		fmt.Printf("reconciled scan=%d applied=%d skipped=%d excluded=%d\n", *scanID, len(res.Adjustments), len(res.Skipped), res.Excluded)

	case "scan:export":
		fs := flag.NewFlagSet(cmd, flag.ExitOnError)
		scanID := fs.Int64("scan", 0, "scan id")
		out := fs.String("out", "", "output xlsx path (default OUTPUT_DIR/scans/scan_<id>.xlsx)")
		_ = fs.Parse(os.Args[2:])
		requireScan(*scanID)
		path, err := pipeline.NewScanService(db, cfg, nil).ExportReview(ctx, *scanID, *out)
		must(err)
		fmt.Printf("exported scan %d to %s\n", *scanID, path)

	case "inventory:list":
		fs := flag.NewFlagSet(cmd, flag.ExitOnError)
		low := fs.Bool("low", false, "only low stock")
		_ = fs.Parse(os.Args[2:])
		items, err := db.ListInventory(ctx)
		must(err)
		for _, it := range items {
			if *low && !it.LowStock() {
				continue
			}
			fmt.Printf("%-24s %-16s %5d (reorder at %d)\n", it.BadgeID, it.Category, it.Quantity, it.ReorderThreshold)
		}

	case "inventory:adjust":
		fs := flag.NewFlagSet(cmd, flag.ExitOnError)
		badge := fs.String("badge", "", "badge id")
		change := fs.Int("change", 0, "quantity change, negative to remove")
		notes := fs.String("notes", "", "notes")
		_ = fs.Parse(os.Args[2:])
		if strings.TrimSpace(*badge) == "" {
			must(fmt.Errorf("--badge is required"))
		}
		engine, closeLocks := newEngine(ctx, cfg, db)
		defer closeLocks()
		adj, err := engine.Adjust(ctx, *badge, *change, *notes)
		must(err)
		fmt.Printf("%s %d %+d -> %d\n", adj.BadgeID, adj.PreviousQuantity, adj.QuantityChange, adj.NewQuantity)

	case "inventory:set":
		fs := flag.NewFlagSet(cmd, flag.ExitOnError)
		badge := fs.String("badge", "", "badge id")
		qty := fs.Int("qty", -1, "new quantity")
		threshold := fs.Int("threshold", -1, "new reorder threshold")
		notes := fs.String("notes", "Manual stock count", "notes")
		_ = fs.Parse(os.Args[2:])
		if strings.TrimSpace(*badge) == "" || (*qty < 0 && *threshold < 0) {
			must(fmt.Errorf("--badge and one of --qty or --threshold are required"))
		}
		engine, closeLocks := newEngine(ctx, cfg, db)
		defer closeLocks()
		if *qty >= 0 {
			adj, err := engine.SetQuantity(ctx, *badge, *qty, *notes)
			must(err)
			if adj == nil {
				fmt.Printf("%s already at %d\n", *badge, *qty)
			} else {
				fmt.Printf("%s %d %+d -> %d\n", adj.BadgeID, adj.PreviousQuantity, adj.QuantityChange, adj.NewQuantity)
			}
		}
		if *threshold >= 0 {
			must(engine.SetThreshold(ctx, *badge, *threshold))
			fmt.Printf("%s reorder threshold %d\n", *badge, *threshold)
		}

	case "inventory:stats":
		engine, closeLocks := newEngine(ctx, cfg, db)
		defer closeLocks()
		s, err := engine.Stats(ctx)
		must(err)
		fmt.Printf("badge types=%d units=%d low_stock=%d out_of_stock=%d\n", s.BadgeTypes, s.TotalUnits, s.LowStock, s.OutOfStock)
		for category, units := range s.UnitsByCategory {
			fmt.Printf("  %-20s %d\n", category, units)
		}

	case "ledger:verify":
		engine, closeLocks := newEngine(ctx, cfg, db)
		defer closeLocks()
		discrepancies, err := engine.VerifyLedger(ctx)
		must(err)
		for _, d := range discrepancies {
			chain := ""
			if d.BrokenChain != nil {
				chain = fmt.Sprintf(" chain broken at adjustment %d", *d.BrokenChain)
			}
			fmt.Printf("%-24s stored=%d replayed=%d%s\n", d.BadgeID, d.Stored, d.Replayed, chain)
		}
		if len(discrepancies) > 0 {
			must(fmt.Errorf("%d badges disagree with the ledger", len(discrepancies)))
		}
		fmt.Println("ledger consistent")

	case "match":
		fs := flag.NewFlagSet(cmd, flag.ExitOnError)
		input := fs.String("input", "", "recognizer output text or a path to a file holding it")
		output := fs.String("output", "", "optional xlsx path")
		_ = fs.Parse(os.Args[2:])
		if *input == "" {
			must(fmt.Errorf("--input is required"))
		}
		text := *input
		if data, err := os.ReadFile(*input); err == nil {
			text = string(data)
		}

		snapshot, err := catalog.Current(ctx, db)
		must(err)
		matcher := pipeline.NewMatcher(snapshot, pipeline.MatchConfigFrom(cfg))

		rows := make([]internal.ReviewExportRow, 0)
		for _, c := range pipeline.ParseResponse(text) {
			res := matcher.Match(c.RawName, util.DerefString(c.Context)+" "+c.RawLine)
			badge := "-"
			if res.BadgeID != nil {
				badge = *res.BadgeID
			}
			fmt.Printf("%3d  qty=%d  %-30q -> %-24s %5.1f %s\n", c.LineNo, c.Quantity, c.RawName, badge, res.Confidence, res.Band)

			row := internal.ReviewExportRow{
				LineNo:            c.LineNo,
				RawLine:           c.RawLine,
				RawName:           c.RawName,
				Quantity:          c.Quantity,
				ReportedCertainty: c.Certainty,
				MatchedBadgeID:    res.BadgeID,
				Confidence:        res.Confidence,
			}
			if len(res.Candidates) > 0 && res.BadgeID != nil {
				row.MatchedName = util.StringPtr(res.Candidates[0].Name)
			}
			if len(res.Candidates) > 1 {
				row.Candidate2Name = util.StringPtr(res.Candidates[1].Name)
				row.Candidate2Score = util.FloatPtr(res.Candidates[1].Score)
			}
			rows = append(rows, row)
		}
		if *output != "" {
			must(pipeline.ExportRowsToXLSX(rows, *output))
			fmt.Printf("match done rows=%d output=%s\n", len(rows), *output)
		}

	case "vision:health":
		must(vision.NewClient(cfg).Health(ctx))
		fmt.Printf("recognizer ok host=%s model=%s\n", cfg.OllamaHost, cfg.OllamaModel)

	default:
		usage()
		os.Exit(1)
	}
}

func newEngine(ctx context.Context, cfg config.Config, db *storage.DB) (*inventory.Engine, func()) {
	locker, closeFn, err := lock.New(ctx, cfg)
	must(err)
	return inventory.NewEngine(db, locker), func() { _ = closeFn() }
}

func requireScan(id int64) {
	if id <= 0 {
		must(fmt.Errorf("--scan is required"))
	}
}

func usage() {
	fmt.Println("usage: badgecount <command>")
	fmt.Println("commands:")
	fmt.Println("  catalog:load [--file=...] [--urls=...] [--clear] [--threshold=5]")
	fmt.Println("  scan:create photo1.jpg [photo2.jpg ...]")
	fmt.Println("  scan:process --scan=1")
	fmt.Println("  scan:status --scan=1")
	fmt.Println("  scan:detections --scan=1")
	fmt.Println("  scan:review --scan=1 (--file=review.json | --verify-auto)")
	fmt.Println("  scan:reconcile --scan=1 [--preview]")
	fmt.Println("  scan:export --scan=1 [--out=...xlsx]")
	fmt.Println("  inventory:list [--low]")
	fmt.Println("  inventory:adjust --badge=swimmer --change=3 [--notes=...]")
	fmt.Println("  inventory:set --badge=swimmer [--qty=10] [--threshold=5]")
	fmt.Println("  inventory:stats")
	fmt.Println("  ledger:verify")
	fmt.Println("  match --input=... [--output=...xlsx]")
	fmt.Println("  vision:health")
}

func must(err error) {
	if err == nil {
		return
	}
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}
