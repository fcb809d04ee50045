package auction

import (
	"fmt"
	"time"

	"github.com/jensholdgaard/discord-market-bot/internal/listing"
)

func bidNotice(amount int64, bidder string, replayed bool) string {
	if replayed {
		return fmt.Sprintf("Recovered bid: **%d** by %s is now the highest bid.", amount, bidder)
	}
	return fmt.Sprintf("New highest bid: **%d** by %s.", amount, bidder)
}

func outbidNotice(a listing.Auction, amount int64) string {
	return fmt.Sprintf("You have been outbid on **%s**. The highest bid is now **%d**.", a.ItemName, amount)
}

func warningNotice(a listing.Auction, left time.Duration, leader string) string {
	if leader == "" {
		return fmt.Sprintf("**%s** closes in %s. No bids yet, starting at **%d**.", a.ItemName, left, a.StartingBid)
	}
	return fmt.Sprintf("**%s** closes in %s. Highest bid: **%d** by %s.", a.ItemName, left, a.HighestBid, leader)
}

func noBidsNotice(a listing.Auction) string {
	return fmt.Sprintf("The auction for **%s** ended with no bids.", a.ItemName)
}

func endedNotice(a listing.Auction, winner string) string {
	return fmt.Sprintf("The auction for **%s** has ended. Winning bid: **%d** by %s. Waiting for the seller to decide.",
		a.ItemName, a.HighestBid, winner)
}

func expiredNotice(a listing.Auction) string {
	return fmt.Sprintf("The seller of **%s** could not be reached. The auction has expired.", a.ItemName)
}

func acceptedNotice(a listing.Auction) string {
	return fmt.Sprintf("The seller accepted your bid of **%d** for **%s**. A deal room is being opened.", a.HighestBid, a.ItemName)
}

func rejectedNotice(a listing.Auction) string {
	return fmt.Sprintf("The seller declined your bid of **%d** for **%s**.", a.HighestBid, a.ItemName)
}

func decisionNotice(a listing.Auction, result listing.Result) string {
	if result == listing.ResultAccepted {
		return fmt.Sprintf("**%s** sold for **%d**.", a.ItemName, a.HighestBid)
	}
	return fmt.Sprintf("The seller declined the final bid for **%s**.", a.ItemName)
}
