package deutschebahn

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kr/pretty"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"github.com/DerBusNachRaisdorf/OpenTransitAndMobility/pkg/realtime/deutschebahn/iris"
	"github.com/DerBusNachRaisdorf/OpenTransitAndMobility/pkg/realtime/deutschebahn/triptable"
	"github.com/DerBusNachRaisdorf/OpenTransitAndMobility/pkg/redis_client"
	"github.com/DerBusNachRaisdorf/OpenTransitAndMobility/pkg/stats"
	"github.com/DerBusNachRaisdorf/OpenTransitAndMobility/pkg/util"
)

const defaultUpdateInterval = 2 * time.Minute

// StationsConfig is the YAML file listing the stations to track.
type StationsConfig struct {
	// UpdateInterval between refresh cycles, e.g. "2m".
	UpdateInterval string `yaml:"updateInterval"`

	// PatternOverrides maps normalised station names to the search pattern
	// that actually finds them upstream.
	PatternOverrides map[string]string `yaml:"patternOverrides"`

	Stations []StationConfig `yaml:"stations"`
}

type StationConfig struct {
	Name    string   `yaml:"name"`
	Aliases []string `yaml:"aliases"`

	// Pattern defaults to the station name.
	Pattern string `yaml:"pattern"`
}

func loadStationsConfig(path string) (*StationsConfig, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read stations config: %w", err)
	}

	config := &StationsConfig{}
	if err := yaml.Unmarshal(contents, config); err != nil {
		return nil, fmt.Errorf("failed to parse stations config: %w", err)
	}
	if len(config.Stations) == 0 {
		return nil, fmt.Errorf("stations config %s lists no stations", path)
	}

	return config, nil
}

func (c *StationsConfig) updateInterval() time.Duration {
	if c.UpdateInterval == "" {
		return defaultUpdateInterval
	}

	interval, err := time.ParseDuration(c.UpdateInterval)
	if err != nil {
		log.Warn().Err(err).Str("interval", c.UpdateInterval).Msg("Invalid update interval, using default")
		return defaultUpdateInterval
	}
	return interval
}

func newClient(overrides map[string]string) *iris.Client {
	client := iris.NewClient(iris.CredentialsFromEnvironment())
	for name, pattern := range overrides {
		client.PatternOverrides[util.MakeStationNameKey(name)] = pattern
	}
	return client
}

func newStationCache() *iris.StationCache {
	if err := redis_client.Connect(); err != nil {
		log.Warn().Err(err).Msg("Redis unavailable, station resolutions will not be cached")
		return nil
	}

	stationCache := &iris.StationCache{}
	stationCache.Setup()
	return stationCache
}

func RegisterCLI() *cli.Command {
	return &cli.Command{
		Name:  "deutsche-bahn",
		Usage: "Track station timetables through the Deutsche Bahn IRIS API",
		Subcommands: []*cli.Command{
			{
				Name:  "run",
				Usage: "continuously track the configured stations",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "config",
						Usage:    "path to the stations config file",
						Required: true,
					},
				},
				Action: func(c *cli.Context) error {
					config, err := loadStationsConfig(c.String("config"))
					if err != nil {
						return err
					}

					tripTable := triptable.NewTriptable(newClient(config.PatternOverrides), newStationCache())

					env := util.GetEnvironmentVariables()
					if address, ok := env["OTAM_METRICS_ADDRESS"]; ok {
						go stats.Serve(address)
					}

					ctx, cancel := context.WithCancel(context.Background())
					defer cancel()

					for _, station := range config.Stations {
						tripTable.AddStation(ctx, station.Name, station.Aliases, station.Pattern)
					}

					interval := config.updateInterval()
					log.Info().
						Int("stations", len(config.Stations)).
						Dur("interval", interval).
						Msg("Starting timetable tracking")

					ticker := time.NewTicker(interval)
					defer ticker.Stop()

					signals := make(chan os.Signal, 1)
					signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
					defer signal.Stop(signals)

					tripTable.Update(ctx)
					for {
						select {
						case <-ticker.C:
							tripTable.Update(ctx)
						case <-signals:
							log.Info().Msg("Shutting down")
							cancel()
							go func() {
								<-signals // hard exit on second signal
								os.Exit(1)
							}()
							return nil
						}
					}
				},
			},
			{
				Name:      "timetable",
				Usage:     "fetch and show the current timetable of one station",
				ArgsUsage: "<station>",
				Action: func(c *cli.Context) error {
					pattern := c.Args().First()
					if pattern == "" {
						return fmt.Errorf("station pattern required")
					}

					tripTable := triptable.NewTriptable(newClient(nil), nil)
					tripTable.AddStation(c.Context, pattern, nil, pattern)
					tripTable.Update(c.Context)

					stops := tripTable.GetCurrentTimetable(pattern)
					if stops == nil {
						return fmt.Errorf("station %s not found", pattern)
					}

					for _, stop := range stops {
						pretty.Println(stop)
					}
					return nil
				},
			},
			{
				Name:      "trip",
				Usage:     "fetch one station and show a stitched trip",
				ArgsUsage: "<station> <trip-id>",
				Action: func(c *cli.Context) error {
					pattern := c.Args().Get(0)
					tripID := c.Args().Get(1)
					if pattern == "" || tripID == "" {
						return fmt.Errorf("station pattern and trip id required")
					}

					tripTable := triptable.NewTriptable(newClient(nil), nil)
					tripTable.AddStation(c.Context, pattern, nil, pattern)
					tripTable.Update(c.Context)

					trip := tripTable.GetTrip(tripID)
					if trip == nil {
						return fmt.Errorf("trip %s not found at %s", tripID, pattern)
					}

					pretty.Println(trip)
					return nil
				},
			},
		},
	}
}
