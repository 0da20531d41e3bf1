package main

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/memberworks/membersync/internal/geo"
)

var geoCmd = &cobra.Command{
	Use:   "geo",
	Short: "Manage the ward geography mapping tables",
}

// -- geo load --

var geoLoadCmd = &cobra.Command{
	Use:   "load",
	Short: "Load geography mapping tables from CSV files",
	Long:  "Each file is a three-column CSV (key code, parent code, parent name) with a header row: --wards maps ward to municipality, --districts municipality to district, --provinces district to province, and --metros the municipality-to-province fallback for metros without a district link.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		mappings := geo.Mappings{}
		loads := []struct {
			flag string
			dest *map[string]geo.Unit
		}{
			{"wards", &mappings.WardToMunicipality},
			{"districts", &mappings.MunicipalityToDistrict},
			{"provinces", &mappings.DistrictToProvince},
			{"metros", &mappings.MunicipalityToProvince},
		}
		loaded := 0
		for _, l := range loads {
			path, _ := cmd.Flags().GetString(l.flag)
			if path == "" {
				continue
			}
			table, err := readMappingCSV(path)
			if err != nil {
				return eris.Wrapf(err, "geo load: %s", l.flag)
			}
			*l.dest = table
			loaded += len(table)
			zap.L().Info("loaded geo mapping file",
				zap.String("table", l.flag),
				zap.String("path", path),
				zap.Int("rows", len(table)))
		}
		if loaded == 0 {
			return eris.New("geo load: no mapping files given")
		}

		if err := st.ReplaceGeoMappings(ctx, mappings); err != nil {
			return eris.Wrap(err, "geo load")
		}
		fmt.Printf("Loaded %d geography mappings.\n", loaded)
		return nil
	},
}

// -- geo resolve --

var geoResolveCmd = &cobra.Command{
	Use:   "resolve <ward-code>",
	Short: "Resolve a ward code up the hierarchy",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		mappings, err := st.GeoMappings(ctx)
		if err != nil {
			return eris.Wrap(err, "geo resolve")
		}

		h := geo.NewResolver(mappings).Resolve(args[0])
		out, err := json.MarshalIndent(h, "", "  ")
		if err != nil {
			return eris.Wrap(err, "geo resolve: marshal")
		}
		fmt.Println(string(out))
		return nil
	},
}

// readMappingCSV parses key,code,name rows, skipping the header.
func readMappingCSV(path string) (map[string]geo.Unit, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close() //nolint:errcheck

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1

	rows, err := r.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(rows) < 2 {
		return nil, eris.Errorf("%s: no data rows", path)
	}

	table := make(map[string]geo.Unit, len(rows)-1)
	for _, row := range rows[1:] {
		if len(row) < 2 || row[0] == "" {
			continue
		}
		unit := geo.Unit{Code: row[1]}
		if len(row) > 2 {
			unit.Name = row[2]
		}
		table[row[0]] = unit
	}
	return table, nil
}

func init() {
	geoLoadCmd.Flags().String("wards", "", "ward to municipality CSV")
	geoLoadCmd.Flags().String("districts", "", "municipality to district CSV")
	geoLoadCmd.Flags().String("provinces", "", "district to province CSV")
	geoLoadCmd.Flags().String("metros", "", "municipality to province fallback CSV")
	geoCmd.AddCommand(geoLoadCmd)
	geoCmd.AddCommand(geoResolveCmd)
	rootCmd.AddCommand(geoCmd)
}
