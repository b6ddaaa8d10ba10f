// Command leech is a minimal BitTorrent leecher: it speaks just enough of
// the wire and tracker protocols to pull a single-file torrent down from a
// swarm, with one subcommand per step of that pipeline for inspection and
// debugging.
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"

	"github.com/sirupsen/logrus"

	"github.com/matei-oltean/go-torrent-leech/internal/bencode"
	"github.com/matei-oltean/go-torrent-leech/internal/clientid"
	"github.com/matei-oltean/go-torrent-leech/internal/download"
	"github.com/matei-oltean/go-torrent-leech/internal/metainfo"
	"github.com/matei-oltean/go-torrent-leech/internal/session"
	"github.com/matei-oltean/go-torrent-leech/internal/tracker"
)

var log = logrus.NewEntry(logrus.StandardLogger())

func usage() {
	fmt.Fprintf(os.Stderr, `%s <command> [arguments]

Commands:
    decode                bencode-decode a string and print it as JSON-like text
    info                  print a .torrent file's metadata
    peers                 announce to a .torrent file's tracker and list peers
    handshake              perform a peer handshake and print the remote peer id
    download_piece         download a single piece from a .torrent file
    download               download a whole .torrent file
    magnet_parse            parse a magnet link
    magnet_info             print the tracker, info hash and name a magnet link carries
    magnet_handshake         perform a peer handshake from a magnet link
    magnet_download_piece   download a single piece given a magnet link
    magnet_download          download a whole torrent given a magnet link
`, os.Args[0])
	os.Exit(2)
}

func main() {
	if len(os.Args) < 2 {
		usage()
	}
	logrus.SetLevel(logrus.WarnLevel)

	var err error
	switch os.Args[1] {
	case "decode":
		err = cmdDecode(os.Args[2:])
	case "info":
		err = cmdInfo(os.Args[2:])
	case "peers":
		err = cmdPeers(os.Args[2:])
	case "handshake":
		err = cmdHandshake(os.Args[2:])
	case "download_piece":
		err = cmdDownloadPiece(os.Args[2:])
	case "download":
		err = cmdDownload(os.Args[2:])
	case "magnet_parse":
		err = cmdMagnetParse(os.Args[2:])
	case "magnet_info":
		err = cmdMagnetInfo(os.Args[2:])
	case "magnet_handshake":
		err = cmdMagnetHandshake(os.Args[2:])
	case "magnet_download_piece":
		err = cmdMagnetDownloadPiece(os.Args[2:])
	case "magnet_download":
		err = cmdMagnetDownload(os.Args[2:])
	default:
		usage()
	}

	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func cmdDecode(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: decode <bencoded-string>")
	}
	val, _, err := bencode.Decode([]byte(args[0]))
	if err != nil {
		return err
	}
	fmt.Println(renderValue(val))
	return nil
}

func cmdInfo(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: info <torrent-file>")
	}
	tf, err := metainfo.Open(args[0])
	if err != nil {
		return err
	}
	printTorrentInfo(tf)
	return nil
}

func cmdPeers(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: peers <torrent-file>")
	}
	tf, err := metainfo.Open(args[0])
	if err != nil {
		return err
	}
	peers, err := announcePeers(context.Background(), tf.Announce, tf.Info.Hash, tf.Info.Length)
	if err != nil {
		return err
	}
	for _, p := range peers {
		fmt.Println(p)
	}
	return nil
}

func cmdHandshake(args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: handshake <torrent-file> <peer-ip:port>")
	}
	tf, err := metainfo.Open(args[0])
	if err != nil {
		return err
	}
	return printHandshake(tf.Info.Hash, args[1])
}

func cmdDownloadPiece(args []string) error {
	if len(args) != 4 || args[0] != "-o" {
		return fmt.Errorf("usage: download_piece -o <output-file> <torrent-file> <piece-index>")
	}
	outPath, torrentPath, pieceIndexStr := args[1], args[2], args[3]
	tf, err := metainfo.Open(torrentPath)
	if err != nil {
		return err
	}
	var pieceIndex int
	if _, err := fmt.Sscanf(pieceIndexStr, "%d", &pieceIndex); err != nil {
		return fmt.Errorf("invalid piece index %q", pieceIndexStr)
	}

	peers, err := announcePeers(context.Background(), tf.Announce, tf.Info.Hash, tf.Info.Length)
	if err != nil {
		return err
	}
	cfg, err := clientid.NewConfig()
	if err != nil {
		return err
	}
	data, err := download.Piece(context.Background(), cfg, tf, peers, pieceIndex, log)
	if err != nil {
		return err
	}
	if cfg.OutputDir != "" && !filepath.IsAbs(outPath) {
		outPath = filepath.Join(cfg.OutputDir, outPath)
	}
	return os.WriteFile(outPath, data, 0o644)
}

func cmdDownload(args []string) error {
	if len(args) != 3 || args[0] != "-o" {
		return fmt.Errorf("usage: download -o <output-file> <torrent-file>")
	}
	outPath, torrentPath := args[1], args[2]
	tf, err := metainfo.Open(torrentPath)
	if err != nil {
		return err
	}
	peers, err := announcePeers(context.Background(), tf.Announce, tf.Info.Hash, tf.Info.Length)
	if err != nil {
		return err
	}
	cfg, err := clientid.NewConfig()
	if err != nil {
		return err
	}
	return download.Run(context.Background(), cfg, tf, peers, outPath, log)
}

func cmdMagnetParse(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: magnet_parse <magnet-link>")
	}
	m, err := metainfo.ParseMagnet(args[0])
	if err != nil {
		return err
	}
	fmt.Printf("Tracker URL: %s\n", firstOrEmpty(m.Trackers))
	fmt.Printf("Info Hash: %s\n", hex.EncodeToString(m.Hash[:]))
	return nil
}

func cmdMagnetInfo(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: magnet_info <magnet-link>")
	}
	m, err := metainfo.ParseMagnet(args[0])
	if err != nil {
		return err
	}
	if !m.HasTrackers() {
		return fmt.Errorf("magnet link has no trackers to announce to")
	}
	// Metadata-over-wire (BEP 9's ut_metadata exchange) is out of scope: a
	// magnet link alone cannot yield piece hashes without it, so magnet_info
	// only reports what the link itself carries.
	fmt.Printf("Tracker URL: %s\n", m.Trackers[0])
	fmt.Printf("Info Hash: %s\n", hex.EncodeToString(m.Hash[:]))
	if m.DisplayName != "" {
		fmt.Printf("Display Name: %s\n", m.DisplayName)
	}
	return nil
}

func cmdMagnetHandshake(args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: magnet_handshake <magnet-link> <peer-ip:port>")
	}
	m, err := metainfo.ParseMagnet(args[0])
	if err != nil {
		return err
	}
	return printHandshake(m.Hash, args[1])
}

func cmdMagnetDownloadPiece(args []string) error {
	return fmt.Errorf("magnet_download_piece requires the ut_metadata extension, which this client does not implement (see DESIGN.md)")
}

func cmdMagnetDownload(args []string) error {
	return fmt.Errorf("magnet_download requires the ut_metadata extension, which this client does not implement (see DESIGN.md)")
}

func firstOrEmpty(s []string) string {
	if len(s) == 0 {
		return ""
	}
	return s[0]
}

func announcePeers(ctx context.Context, announceURL string, infoHash [20]byte, length int64) ([]string, error) {
	cfg, err := clientid.NewConfig()
	if err != nil {
		return nil, err
	}
	resp, err := tracker.Announce(ctx, tracker.AnnounceRequest{
		TrackerURL: announceURL,
		InfoHash:   infoHash,
		PeerID:     cfg.PeerID,
		Port:       cfg.ListenPort,
		Left:       length,
	})
	if err != nil {
		return nil, err
	}
	return resp.Peers, nil
}

func printHandshake(infoHash [20]byte, addr string) error {
	cfg, err := clientid.NewConfig()
	if err != nil {
		return err
	}
	sess, err := session.Dial(context.Background(), addr, infoHash, cfg, log)
	if err != nil {
		return err
	}
	defer sess.Close()
	remoteID := sess.PeerID()
	fmt.Printf("Peer ID: %s\n", hex.EncodeToString(remoteID[:]))
	return nil
}

func printTorrentInfo(tf *metainfo.TorrentFile) {
	fmt.Printf("Tracker URL: %s\n", tf.Announce)
	fmt.Printf("Length: %d\n", tf.Info.Length)
	fmt.Printf("Info Hash: %s\n", hex.EncodeToString(tf.Info.Hash[:]))
	fmt.Printf("Piece Length: %d\n", tf.Info.PieceLength)
	fmt.Println("Piece Hashes:")
	for _, h := range tf.Info.Pieces {
		fmt.Println(hex.EncodeToString(h[:]))
	}
}

func renderValue(v bencode.Value) string {
	switch v.Kind {
	case bencode.KindInt:
		return fmt.Sprintf("%d", v.Int)
	case bencode.KindString:
		return fmt.Sprintf("%q", v.Str)
	case bencode.KindList:
		out := "["
		for i, item := range v.List {
			if i > 0 {
				out += ","
			}
			out += renderValue(item)
		}
		return out + "]"
	case bencode.KindDict:
		out := "{"
		first := true
		for _, k := range sortedKeys(v.Dict) {
			if !first {
				out += ","
			}
			first = false
			out += fmt.Sprintf("%q:%s", k, renderValue(v.Dict[k]))
		}
		return out + "}"
	default:
		return ""
	}
}

func sortedKeys(m map[string]bencode.Value) []string {
	return slices.Sorted(maps.Keys(m))
}
